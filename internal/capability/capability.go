// Package capability defines the closed set of capability tags, the handler
// contract and the registry that maps tags to handler descriptors.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tag names a capability. The set is closed; see AllTags.
type Tag string

const (
	TagChat         Tag = "chat"
	TagWebBrowse    Tag = "web_browse"
	TagWebAction    Tag = "web_action"
	TagImageCreate  Tag = "image_create"
	TagImageEdit    Tag = "image_edit"
	TagFileOps      Tag = "file_ops"
	TagSystemStatus Tag = "system_status"
	TagFallback     Tag = "fallback"

	// TagUnknown is produced by the classifier only; it is never registered.
	TagUnknown Tag = "unknown"
)

// AllTags lists every registrable tag.
var AllTags = []Tag{
	TagChat,
	TagWebBrowse,
	TagWebAction,
	TagImageCreate,
	TagImageEdit,
	TagFileOps,
	TagSystemStatus,
	TagFallback,
}

// Valid reports whether t is a registrable tag.
func (t Tag) Valid() bool {
	for _, v := range AllTags {
		if v == t {
			return true
		}
	}
	return false
}

// ParseTag normalizes s into a registrable tag, or TagUnknown.
func ParseTag(s string) Tag {
	t := Tag(s)
	if t.Valid() {
		return t
	}
	return TagUnknown
}

// Params are the parameters extracted by the classifier.
type Params map[string]string

// Result is what a handler returns on success.
type Result struct {
	Summary  string            `json:"summary"`
	Artifact string            `json:"artifact,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Handler is the invocation contract every capability implements.
type Handler interface {
	Invoke(ctx context.Context, p Params) (Result, error)
	RequiresPermission() bool
	IsRetryable() bool
}

// Descriptor is the registry entry for a tag.
type Descriptor struct {
	Tag                Tag
	Handler            Handler
	RequiresPermission bool
	Retryable          bool
	MaxRetries         *int
	Timeout            time.Duration
	Description        string
}

// Retries returns the per-capability retry budget, or def when unset.
func (d Descriptor) Retries(def int) int {
	if d.MaxRetries != nil {
		return *d.MaxRetries
	}
	return def
}

// Option customizes a Descriptor at registration time.
type Option func(*Descriptor)

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(d *Descriptor) { d.MaxRetries = &n }
}

// WithTimeout sets a per-capability wall-clock budget.
func WithTimeout(t time.Duration) Option {
	return func(d *Descriptor) { d.Timeout = t }
}

// WithDescription sets the human-readable description shown in prompts.
func WithDescription(s string) Option {
	return func(d *Descriptor) { d.Description = s }
}

// RequirePermission forces the permission check regardless of the handler.
func RequirePermission() Option {
	return func(d *Descriptor) { d.RequiresPermission = true }
}

// Registry errors.
var (
	ErrFrozen     = errors.New("capability: registry is frozen")
	ErrNotFound   = errors.New("capability: not found")
	ErrInvalidTag = errors.New("capability: invalid tag")
	ErrDuplicate  = errors.New("capability: already registered")
)

// Registry maps tags to descriptors. Registration happens at startup;
// after Freeze the registry is read-only and safe for concurrent Resolve.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[Tag]Descriptor
	frozen bool
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[Tag]Descriptor)}
}

// Register adds a handler under tag.
func (r *Registry) Register(tag Tag, h Handler, opts ...Option) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	if h == nil {
		return fmt.Errorf("capability: register %s: nil handler", tag)
	}

	d := Descriptor{
		Tag:                tag,
		Handler:            h,
		RequiresPermission: h.RequiresPermission(),
		Retryable:          h.IsRetryable(),
	}
	for _, opt := range opts {
		opt(&d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.byTag[tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, tag)
	}
	r.byTag[tag] = d
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the descriptor for tag.
func (r *Registry) Resolve(tag Tag) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTag[tag]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	return d, nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag Tag) bool {
	_, err := r.Resolve(tag)
	return err == nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tag, 0, len(r.byTag))
	for t := range r.byTag {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
