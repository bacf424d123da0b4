package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/api"
	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/fusion"
)

// maxWebhookBody bounds how much of a request body is read before the
// signature check can reject it.
const maxWebhookBody = 1 << 20

// Sink consumes verified, validated events. *fusion.Pipeline satisfies
// it.
type Sink interface {
	Process(ctx context.Context, ev *event.RawEvent) (*fusion.ProcessResult, error)
}

// Vendor registers one webhook sender. Sources restricts which event
// sources the vendor may post; empty means any.
type Vendor struct {
	Name    string
	Sources []event.Source
}

func (v Vendor) allows(s event.Source) bool {
	if len(v.Sources) == 0 {
		return true
	}
	for _, allowed := range v.Sources {
		if allowed == s {
			return true
		}
	}
	return false
}

// Receiver terminates vendor webhooks: signature verification, envelope
// parsing, and handoff to the sink. Unknown vendors and bad signatures
// read the same to the caller so the vendor table is not probeable.
type Receiver struct {
	sink   Sink
	keys   *Keyring
	cfg    config.FusionConfig
	log    *audit.Log
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	vendors map[string]Vendor
}

// NewReceiver builds a receiver over the sink and keyring.
func NewReceiver(sink Sink, keys *Keyring, cfg config.FusionConfig) *Receiver {
	return &Receiver{
		sink:    sink,
		keys:    keys,
		cfg:     cfg,
		logger:  slog.Default().With("component", "ingest"),
		clock:   time.Now,
		vendors: make(map[string]Vendor),
	}
}

func (rc *Receiver) WithAudit(log *audit.Log) *Receiver {
	rc.log = log
	return rc
}

func (rc *Receiver) WithLogger(logger *slog.Logger) *Receiver {
	rc.logger = logger.With("component", "ingest")
	return rc
}

func (rc *Receiver) WithClock(clock func() time.Time) *Receiver {
	rc.clock = clock
	return rc
}

// Register adds or replaces a vendor.
func (rc *Receiver) Register(v Vendor) error {
	if v.Name == "" {
		return fault.New(fault.Validation, "ingest.register", "vendor name is required")
	}
	for _, s := range v.Sources {
		if !event.KnownSource(s) {
			return fault.New(fault.Validation, "ingest.register", "unknown source %q", s)
		}
	}
	rc.mu.Lock()
	rc.vendors[v.Name] = v
	rc.mu.Unlock()
	return nil
}

// Vendors lists registered vendor names.
func (rc *Receiver) Vendors() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	names := make([]string, 0, len(rc.vendors))
	for name := range rc.vendors {
		names = append(names, name)
	}
	return names
}

// RegisterRoutes mounts the webhook endpoint.
func (rc *Receiver) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhooks/{vendor}", rc.handleWebhook)
}

func (rc *Receiver) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("vendor")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		api.WriteBadRequest(w, "could not read request body")
		return
	}
	if len(body) > maxWebhookBody {
		api.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large",
			"webhook bodies are limited to 1 MiB")
		return
	}

	rc.mu.RLock()
	vendor, known := rc.vendors[name]
	rc.mu.RUnlock()
	if !known {
		rc.reject(r, name, "unknown vendor")
		api.WriteUnauthorized(w, "Signature verification failed")
		return
	}

	if err := rc.keys.Verify(name, body, r.Header.Get(SignatureHeader)); err != nil {
		rc.reject(r, name, err.Error())
		api.WriteUnauthorized(w, "Signature verification failed")
		return
	}

	ev, err := event.ParseInbound(body, rc.clock(), rc.cfg.ClockSkew())
	if err != nil {
		rc.logger.WarnContext(r.Context(), "webhook body rejected",
			"vendor", name, "error", err)
		api.WriteFault(w, err)
		return
	}

	if !vendor.allows(ev.Source) {
		rc.reject(r, name, "source "+string(ev.Source)+" not allowed for vendor")
		api.WriteForbidden(w, "Vendor is not registered for this event source")
		return
	}

	res, err := rc.sink.Process(r.Context(), ev)
	if err != nil {
		if res == nil || !res.Accepted {
			api.WriteFault(w, err)
			return
		}
		// Stored but a downstream stage failed; the event is accepted
		// and the failure is the pipeline's to retry.
		rc.logger.WarnContext(r.Context(), "accepted event with downstream failure",
			"vendor", name, "event_id", ev.EventID, "error", err)
	}

	if res.Duplicate {
		api.WriteJSON(w, http.StatusOK, map[string]string{
			"status":   "duplicate",
			"event_id": ev.EventID,
		})
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": ev.EventID,
	})
}

// reject audits a refused webhook. The audit entry is the operator's
// view; the HTTP response stays uniform.
func (rc *Receiver) reject(r *http.Request, vendor, reason string) {
	rc.logger.WarnContext(r.Context(), "webhook rejected",
		"vendor", vendor, "reason", reason, "remote_ip", api.ClientIP(r))
	if rc.log == nil {
		return
	}
	if _, err := rc.log.Append(audit.ActionWebhookRejected, audit.SeverityWarning, "ingest",
		"webhook rejected: "+reason, map[string]interface{}{
			"vendor":    vendor,
			"remote_ip": api.ClientIP(r),
			"path":      r.URL.Path,
		}, ""); err != nil {
		rc.logger.Warn("ingest audit append failed", "error", err)
	}
}
