package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/task"
	"github.com/oracle-garnett/oracle/pkg/config"
)

// Image generation endpoints of the image backend.
const (
	txt2imgPath = "/sdapi/v1/txt2img"
	img2imgPath = "/sdapi/v1/img2img"
)

// Image creates or edits pictures through the image backend and saves the
// result under the output directory.
type Image struct {
	apiURL    string
	outputDir string
	sources   []string
	edit      bool
	http      *http.Client
	backends  Caller
}

// NewImageCreate creates the image_create handler.
func NewImageCreate(cfg config.ImageConfig, backends Caller) *Image {
	return newImage(cfg, backends, false)
}

// NewImageEdit creates the image_edit handler. Source images are looked up
// by file name in the output directory and then in sourceDirs.
func NewImageEdit(cfg config.ImageConfig, backends Caller, sourceDirs ...string) *Image {
	img := newImage(cfg, backends, true)
	img.sources = append([]string{img.outputDir}, sourceDirs...)
	return img
}

func newImage(cfg config.ImageConfig, backends Caller, edit bool) *Image {
	out := cfg.OutputDir
	if out == "" {
		out = "outputs"
	}
	return &Image{
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		outputDir: out,
		edit:      edit,
		http:      &http.Client{Timeout: 5 * time.Minute},
		backends:  backends,
	}
}

func (h *Image) RequiresPermission() bool { return false }
func (h *Image) IsRetryable() bool        { return true }

type imageRequest struct {
	Prompt     string   `json:"prompt"`
	Steps      int      `json:"steps"`
	InitImages []string `json:"init_images,omitempty"`
}

type imageResponse struct {
	Images []string `json:"images"`
}

// Invoke implements capability.Handler. It reads "prompt" and, for edits,
// "source".
func (h *Image) Invoke(ctx context.Context, p capability.Params) (capability.Result, error) {
	prompt := strings.TrimSpace(p["prompt"])
	if prompt == "" {
		return capability.Result{}, missingParam("prompt")
	}

	body := imageRequest{Prompt: prompt, Steps: 20}
	path := txt2imgPath
	if h.edit {
		src, err := h.loadSource(p["source"])
		if err != nil {
			return capability.Result{}, err
		}
		body.InitImages = []string{src}
		path = img2imgPath
	}

	var img []byte
	err := guard(ctx, h.backends, BackendImage, func(ctx context.Context) error {
		var err error
		img, err = h.generate(ctx, path, body)
		return err
	})
	if err != nil {
		return capability.Result{}, err
	}

	artifact, err := h.save(prompt, img)
	if err != nil {
		return capability.Result{}, err
	}
	verb := "Created"
	if h.edit {
		verb = "Edited"
	}
	return capability.Result{
		Summary:  fmt.Sprintf("%s an image for %q", verb, task.Clip(prompt, 80)),
		Artifact: artifact,
	}, nil
}

func (h *Image) generate(ctx context.Context, path string, body imageRequest) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, capability.Structural("encode image request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, capability.Structural("image backend address is invalid", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, "image backend", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusFailure("image backend", resp.StatusCode)
	}

	var out imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, capability.Recoverable("image backend sent a malformed reply", err)
	}
	if len(out.Images) == 0 {
		return nil, capability.Recoverable("image backend returned no image", nil)
	}
	img, err := base64.StdEncoding.DecodeString(out.Images[0])
	if err != nil {
		return nil, capability.Recoverable("image backend sent undecodable image data", err)
	}
	return img, nil
}

// loadSource finds the named image and returns it base64 encoded. Only the
// file name is used, so sources cannot escape the configured directories.
func (h *Image) loadSource(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", missingParam("source")
	}
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, `\`, "/")))
	for _, dir := range h.sources {
		data, err := os.ReadFile(filepath.Join(dir, base))
		if err == nil {
			return base64.StdEncoding.EncodeToString(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", capability.Structural("cannot read source image "+base, err)
		}
	}
	return "", capability.Structural("source image "+base+" not found", os.ErrNotExist)
}

var slugChars = regexp.MustCompile(`[^a-z0-9]+`)

func (h *Image) save(prompt string, img []byte) (string, error) {
	if err := os.MkdirAll(h.outputDir, 0o755); err != nil {
		return "", capability.Structural("cannot create output directory", err)
	}
	slug := strings.Trim(slugChars.ReplaceAllString(strings.ToLower(task.Clip(prompt, 40)), "-"), "-")
	if slug == "" {
		slug = "image"
	}
	path := filepath.Join(h.outputDir, fmt.Sprintf("%s-%s.png", slug, uuid.NewString()[:8]))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", capability.Structural("cannot save image", err)
	}
	return filepath.ToSlash(path), nil
}
