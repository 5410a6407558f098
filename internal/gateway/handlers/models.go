package handlers

import (
	"net/http"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/capabilities"
	"github.com/sashabaranov/go-openai"
)

type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

// ModelsHandler serves GET /v1/models from the capability table.
func ModelsHandler(caps *capabilities.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := modelList{Object: "list", Data: []openai.Model{}}
		for _, id := range caps.Models() {
			list.Data = append(list.Data, openai.Model{ID: id, Object: "model", OwnedBy: "google"})
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, list)
	}
}
