package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/accgate/internal/dbc"
	"example.com/accgate/internal/decode"
	"example.com/accgate/internal/manifest"
	"example.com/accgate/internal/report"
	"example.com/accgate/internal/rules"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced
// by validation requests.
type Server struct {
	artifacts   *ArtifactStore
	workDir     string
	uploadsDir  string
	catalogFile string
	rulePacks   map[string]rules.RulePack
}

// Options configures server creation.
type Options struct {
	StorageDir string
	// CatalogFile is the default signal catalog used when a request does
	// not name one.
	CatalogFile string
	// RulePackFiles maps profile names to rule pack JSON files. The
	// "default" profile always resolves to the built-in pack unless
	// overridden here.
	RulePackFiles map[string]string
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "accd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	rulePacks := map[string]rules.RulePack{
		"default": rules.DefaultRulePack(),
	}
	for profile, path := range opts.RulePackFiles {
		if strings.TrimSpace(profile) == "" || strings.TrimSpace(path) == "" {
			continue
		}
		rp, err := rules.LoadRulePack(path)
		if err != nil {
			os.RemoveAll(workDir)
			return nil, fmt.Errorf("rule pack %s: %w", profile, err)
		}
		rulePacks[profile] = rp
	}
	s := &Server{
		artifacts:   &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:     workDir,
		uploadsDir:  uploadsDir,
		catalogFile: opts.CatalogFile,
		rulePacks:   rulePacks,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

// resolvePath accepts either an artifact id from a previous upload or a
// filesystem path.
func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	abs := token
	if !filepath.IsAbs(token) {
		abs = filepath.Clean(token)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

type validateRequest struct {
	Catalog  string          `json:"catalog"`
	Trace    string          `json:"trace"`
	Profile  string          `json:"profile"`
	RulePack *rules.RulePack `json:"rulePack"`
}

type validateArtifacts struct {
	violations Artifact
	acceptance Artifact
	pdf        Artifact
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Trace == "" {
		http.Error(w, "trace required", http.StatusBadRequest)
		return
	}
	tracePath, err := s.resolvePath(req.Trace)
	if err != nil {
		http.Error(w, fmt.Sprintf("trace resolve: %v", err), http.StatusBadRequest)
		return
	}
	catalogToken := req.Catalog
	if catalogToken == "" {
		catalogToken = s.catalogFile
	}
	if catalogToken == "" {
		http.Error(w, "catalog required", http.StatusBadRequest)
		return
	}
	catalogPath, err := s.resolvePath(catalogToken)
	if err != nil {
		http.Error(w, fmt.Sprintf("catalog resolve: %v", err), http.StatusBadRequest)
		return
	}
	rp, err := s.loadRulePack(req.Profile, req.RulePack)
	if err != nil {
		http.Error(w, fmt.Sprintf("load rulepack: %v", err), http.StatusBadRequest)
		return
	}
	engine := rules.NewEngine(rp)
	ctx := &rules.Context{CatalogFile: catalogPath, TraceFile: tracePath, Profile: req.Profile}

	if stream {
		s.validateStream(w, engine, ctx)
		return
	}

	results, err := engine.Eval(ctx)
	if err != nil {
		// Catalog format defects are the caller's problem, not ours.
		status := http.StatusInternalServerError
		var fe *dbc.FormatError
		if errors.As(err, &fe) {
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("eval: %v", err), status)
		return
	}
	rep := engine.MakeAcceptance(ctx)
	arts, err := s.writeRunArtifacts(engine, ctx, rep)
	if err != nil {
		http.Error(w, fmt.Sprintf("write artifacts: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Acceptance rules.AcceptanceReport `json:"acceptance"`
		Results    int                    `json:"results"`
		Skipped    int                    `json:"skippedLines"`
		Stats      []decode.Stats         `json:"stats"`
		Artifacts  []ArtifactRef          `json:"artifacts"`
	}{
		Acceptance: rep,
		Results:    len(results),
		Skipped:    ctx.Skipped,
		Stats:      ctx.Set.SignalStats(),
		Artifacts: []ArtifactRef{
			toRef(arts.violations),
			toRef(arts.acceptance),
			toRef(arts.pdf),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateStream writes each rule result as it finishes, then a final
// acceptance object, all as NDJSON.
func (s *Server) validateStream(w http.ResponseWriter, engine *rules.Engine, ctx *rules.Context) {
	writer := NewNDJSONWriter(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	engine.OnResult(func(res rules.TestResult) {
		_ = writer.WriteResult(res)
	})
	_, err := engine.Eval(ctx)
	engine.OnResult(nil)
	if err != nil {
		_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
		return
	}
	rep := engine.MakeAcceptance(ctx)
	arts, err := s.writeRunArtifacts(engine, ctx, rep)
	if err != nil {
		_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
		return
	}
	summary := struct {
		Type       string                 `json:"type"`
		Acceptance rules.AcceptanceReport `json:"acceptance"`
		Skipped    int                    `json:"skippedLines"`
		Stats      []decode.Stats         `json:"stats"`
		Artifacts  []ArtifactRef          `json:"artifacts"`
	}{
		Type:       "acceptance",
		Acceptance: rep,
		Skipped:    ctx.Skipped,
		Stats:      ctx.Set.SignalStats(),
		Artifacts: []ArtifactRef{
			toRef(arts.violations),
			toRef(arts.acceptance),
			toRef(arts.pdf),
		},
	}
	_ = writer.WriteObject(summary)
}

func (s *Server) writeRunArtifacts(engine *rules.Engine, ctx *rules.Context, rep rules.AcceptanceReport) (validateArtifacts, error) {
	var arts validateArtifacts
	violationsPath, err := s.tempPath("violations-*.ndjson")
	if err != nil {
		return arts, err
	}
	if err := engine.WriteViolationsFile(violationsPath); err != nil {
		return arts, err
	}
	accPath, err := s.tempPath("acceptance-*.json")
	if err != nil {
		return arts, err
	}
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		return arts, err
	}
	pdfPath, err := s.tempPath("acceptance-*.pdf")
	if err != nil {
		return arts, err
	}
	if err := report.SaveAcceptancePDF(rep, ctx.Set.SignalStats(), accPath, pdfPath); err != nil {
		return arts, err
	}
	if arts.violations, err = s.addArtifact(violationsPath, "violations.ndjson", "application/x-ndjson", "violations"); err != nil {
		return arts, err
	}
	if arts.acceptance, err = s.addArtifact(accPath, "acceptance_report.json", "application/json", "acceptance"); err != nil {
		return arts, err
	}
	if arts.pdf, err = s.addArtifact(pdfPath, "acceptance_report.pdf", "application/pdf", "acceptance"); err != nil {
		return arts, err
	}
	return arts, nil
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Inputs  []string `json:"inputs"`
		ShaAlgo string   `json:"shaAlgo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	if req.ShaAlgo != "" && !strings.EqualFold(req.ShaAlgo, "sha256") {
		http.Error(w, "only sha256 supported", http.StatusBadRequest)
		return
	}
	var paths []string
	for _, in := range req.Inputs {
		resolved, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths = append(paths, resolved)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		http.Error(w, fmt.Sprintf("build manifest: %v", err), http.StatusInternalServerError)
		return
	}
	outPath, err := s.tempPath("manifest-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("manifest temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := manifest.Save(m, outPath); err != nil {
		http.Error(w, fmt.Sprintf("write manifest: %v", err), http.StatusInternalServerError)
		return
	}
	art, err := s.addArtifact(outPath, "manifest.json", "application/json", "manifest")
	if err != nil {
		http.Error(w, fmt.Sprintf("register manifest: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Manifest manifest.Manifest `json:"manifest"`
		Artifact ArtifactRef       `json:"artifact"`
	}{
		Manifest: m,
		Artifact: toRef(art),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRulePacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type packInfo struct {
		Profile    string `json:"profile"`
		RulePackId string `json:"rulePackId"`
		Version    string `json:"version"`
		Rules      int    `json:"rules"`
	}
	infos := make([]packInfo, 0, len(s.rulePacks))
	for profile, rp := range s.rulePacks {
		infos = append(infos, packInfo{
			Profile:    profile,
			RulePackId: rp.RulePackId,
			Version:    rp.Version,
			Rules:      len(rp.Rules),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Profile < infos[j].Profile })
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=%q", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	io.Copy(w, f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) loadRulePack(profile string, override *rules.RulePack) (rules.RulePack, error) {
	if override != nil && len(override.Rules) > 0 {
		return *override, nil
	}
	if profile == "" {
		profile = "default"
	}
	rp, ok := s.rulePacks[profile]
	if !ok {
		return rules.RulePack{}, fmt.Errorf("no rule pack for profile %s", profile)
	}
	return rp, nil
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".dbc", ".asc", ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
