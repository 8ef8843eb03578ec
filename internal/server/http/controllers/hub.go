package controllers

import (
	"net/http"

	"github.com/rzbill/pushhub/internal/dispatch"
	hubsvc "github.com/rzbill/pushhub/internal/services/hub"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// HubController serves the protocol endpoints subscribers and publishers
// talk to: subscribe, publish and the token mailbox.
type HubController struct {
	svc    *hubsvc.Service
	logger logpkg.Logger
}

// NewHubController creates a new hub controller.
func NewHubController(svc *hubsvc.Service, logger logpkg.Logger) *HubController {
	return &HubController{svc: svc, logger: logger}
}

// RegisterRoutes registers the protocol routes with the given mux.
func (c *HubController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/subscribe", c.handleSubscribe)
	mux.HandleFunc("/publish", c.handlePublish)
	mux.HandleFunc("/poll", c.handlePoll)
}

// handleSubscribe answers 204 when every topic was verified inline and 202
// when verification continues in the background.
func (c *HubController) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	f := r.PostForm
	status, err := c.svc.Subscribe(r.Context(), hubsvc.SubscribeRequest{
		Mode:         f.Get("hub.mode"),
		Callback:     f.Get("hub.callback"),
		Token:        f.Get("hub.token"),
		Topics:       f["hub.topic"],
		Verify:       f["hub.verify"],
		VerifyToken:  f.Get("hub.verify_token"),
		LeaseSeconds: f.Get("hub.lease_seconds"),
		Big:          parseBool(f.Get("hub.big")),
		Mixed:        parseBool(f.Get("hub.mixed")),
		RequesterIP:  requesterIP(r),
	})
	if err != nil {
		writeFailure(w, c.logger, err)
		return
	}
	w.WriteHeader(status)
}

func (c *HubController) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	if mode := r.PostForm.Get("hub.mode"); mode != "publish" {
		writeError(w, http.StatusBadRequest, "hub.mode must be publish")
		return
	}
	if _, err := c.svc.Publish(r.Context(), r.PostForm["hub.url"]); err != nil {
		writeFailure(w, c.logger, err)
		return
	}
	writeNoContent(w)
}

// handlePoll lists a token's pending notifications on GET and acknowledges
// them on POST.
func (c *HubController) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		msgs, err := c.svc.PollMailbox(r.Context(), q.Get("hub.token"), parseLimit(q.Get("hub.max")))
		if err != nil {
			writeFailure(w, c.logger, err)
			return
		}
		if msgs == nil {
			msgs = []*dispatch.Message{}
		}
		writeJSON(w, map[string]any{"messages": msgs})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	n, err := c.svc.AckMailbox(r.Context(), r.PostForm.Get("hub.token"), r.PostForm["hub.ack"])
	if err != nil {
		writeFailure(w, c.logger, err)
		return
	}
	writeJSON(w, map[string]int{"acked": n})
}
