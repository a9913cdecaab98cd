package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.Health)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Route("/books", func(r chi.Router) {
				r.Get("/", apiHandler.ListBooks)
				r.Post("/", apiHandler.CreateBook)
				r.Post("/import", apiHandler.ImportBooks)

				r.Route("/{bookID}", func(r chi.Router) {
					r.Get("/", apiHandler.GetBook)
					r.Patch("/", apiHandler.UpdateBook)
					r.Delete("/", apiHandler.DeleteBook)
					r.Get("/stats", apiHandler.BookStats)

					r.Get("/notes", apiHandler.ListNotes)
					r.Post("/notes", apiHandler.CreateNote)
					r.Post("/questions", apiHandler.AskQuestion)
					r.Post("/utterances", apiHandler.CaptureUtterance)
					r.Post("/scans", apiHandler.CaptureScan)

					r.Get("/chat", apiHandler.GetBookChat)
					r.Post("/chat/messages", apiHandler.PostMessage)
				})
			})

			r.Get("/notes/search", apiHandler.SearchNotes)
			r.Get("/notes/{noteID}", apiHandler.GetNote)
			r.Patch("/notes/{noteID}", apiHandler.EditNote)
			r.Delete("/notes/{noteID}", apiHandler.DeleteNote)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", apiHandler.ListSessions)
				r.Post("/", apiHandler.StartSession)
				r.Get("/active", apiHandler.ActiveSession)
				r.Get("/stats", apiHandler.SessionStats)
				r.Get("/{sessionID}", apiHandler.GetSession)
				r.Post("/{sessionID}/end", apiHandler.EndSession)
				r.Delete("/{sessionID}", apiHandler.DeleteSession)
			})

			r.Post("/capture/start", apiHandler.StartCapture)
			r.Post("/capture/stop", apiHandler.StopCapture)
			r.Get("/capture/status", apiHandler.CaptureStatus)

			r.Get("/chats", apiHandler.ListChats)
			r.Patch("/chats/{chatID}", apiHandler.RenameChat)
			r.Delete("/chats/{chatID}", apiHandler.DeleteChat)

			r.Get("/catalog/search", apiHandler.SearchCatalog)
			r.Get("/catalog/isbn/{isbn}", apiHandler.LookupISBN)
		})
	})

	return r
}
