package interfaces

import "context"

// ComfyUIClient ComfyUI client interface
type ComfyUIClient interface {
	// Ping checks the liveness endpoint
	Ping(ctx context.Context) error

	// UploadImage uploads an input image
	UploadImage(ctx context.Context, name string, data []byte) error

	// SubmitWorkflow submits workflow
	SubmitWorkflow(ctx context.Context, workflow map[string]any) (*ComfyUIResponse, error)

	// GetHistory gets the execution history of a prompt
	GetHistory(ctx context.Context, promptID string) (ComfyUIHistory, error)

	// CancelPrompt drops a queued prompt or interrupts it if running
	CancelPrompt(ctx context.Context, promptID string) error
}

// ComfyUIResponse ComfyUI response
type ComfyUIResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

// ComfyUIHistory history keyed by prompt id
type ComfyUIHistory map[string]ComfyUIHistoryEntry

// ComfyUIHistoryEntry execution record of one prompt
type ComfyUIHistoryEntry struct {
	Outputs map[string]ComfyUINodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// ComfyUINodeOutput output of a single node
type ComfyUINodeOutput struct {
	Images []ComfyUIImageRef `json:"images,omitempty"`
}

// ComfyUIImageRef reference to a file written by the backend
type ComfyUIImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Completed reports whether the entry for promptID carries outputs.
func (h ComfyUIHistory) Completed(promptID string) (ComfyUIHistoryEntry, bool) {
	entry, ok := h[promptID]
	if !ok || len(entry.Outputs) == 0 {
		return ComfyUIHistoryEntry{}, false
	}
	return entry, true
}
