package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// RemoteExecutor hands winning actions to an external remediation service
// over HTTP.
//
// Semantics:
//   - HTTP 202 Accepted = hand-off succeeded (async execution)
//   - completion is reported later via POST /api/v1/actions/{id}/result
//
// Any other response, or a transport error, is reported as an immediate
// failure through the callback so the queue slot frees without waiting
// for the execution timeout.
type RemoteExecutor struct {
	baseURL  string
	callback Callback
	client   *http.Client
}

// NewRemoteExecutor creates an executor dispatching to baseURL.
func NewRemoteExecutor(baseURL string, cb Callback) *RemoteExecutor {
	return &RemoteExecutor{
		baseURL:  baseURL,
		callback: cb,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (e *RemoteExecutor) Execute(ctx context.Context, a *store.Action) {
	go e.dispatch(ctx, a)
}

func (e *RemoteExecutor) dispatch(ctx context.Context, a *store.Action) {
	fail := func(reason string) {
		e.callback(context.Background(), Result{ActionID: a.ID, Success: false, Reason: reason})
	}

	if ctx.Err() != nil {
		fail(fmt.Sprintf("dispatch cancelled: %v", ctx.Err()))
		return
	}

	data, err := json.Marshal(a)
	if err != nil {
		fail(fmt.Sprintf("failed to marshal action: %v", err))
		return
	}

	url := e.baseURL + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		fail(fmt.Sprintf("failed to create request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		fail(fmt.Sprintf("failed to contact executor: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		fail(fmt.Sprintf("executor returned status %d", resp.StatusCode))
		return
	}

	log.Printf("executor: action %s handed off to %s", a.ID, e.baseURL)
}

// Abort signals the remote service to stop an in-flight action. Best-effort:
// failures are logged, never retried.
func (e *RemoteExecutor) Abort(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/abort/%s", e.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		log.Printf("executor: abort request for %s failed: %v", id, err)
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		log.Printf("executor: abort signal for %s failed: %v", id, err)
		return
	}
	resp.Body.Close()
}
