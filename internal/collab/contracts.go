package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

var stubValidate = validator.New()

// HTTPContractRegistry registers stubs with a remote registry service.
type HTTPContractRegistry struct {
	BaseURL string
	Client  *http.Client
}

type registryResponse struct {
	ID     string   `json:"id"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (r *HTTPContractRegistry) Register(ctx context.Context, stub pipeline.ContractStub) (*pipeline.ContractRecord, error) {
	if r.BaseURL == "" {
		return nil, fmt.Errorf("contract registry url is not configured")
	}
	body, err := json.Marshal(stub)
	if err != nil {
		return nil, fmt.Errorf("marshal stub: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.BaseURL, "/")+"/api/v1/contracts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register contract %s: %w", stub.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read registry response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity, resp.StatusCode >= 200 && resp.StatusCode < 300:
	default:
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, tail(string(data), 300))
	}

	var rr registryResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("parse registry response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		rr.Valid = false
	}
	if rr.ID == "" {
		rr.ID = uuid.NewString()
	}
	return &pipeline.ContractRecord{
		ID:           rr.ID,
		Name:         stub.Name,
		Service:      stub.Service,
		Valid:        rr.Valid,
		Errors:       rr.Errors,
		Registry:     "http",
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// FileContractRegistry validates stubs structurally and stores them under Dir.
type FileContractRegistry struct {
	Dir string
}

func (r *FileContractRegistry) Register(ctx context.Context, stub pipeline.ContractStub) (*pipeline.ContractRecord, error) {
	rec := &pipeline.ContractRecord{
		ID:           uuid.NewString(),
		Name:         stub.Name,
		Service:      stub.Service,
		Registry:     "file",
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	}
	rec.Errors = ValidateStub(stub)
	rec.Valid = len(rec.Errors) == 0

	if r.Dir != "" {
		name := safeName(stub.Service) + "-" + safeName(stub.Name)
		if err := pipeline.WriteJSON(filepath.Join(r.Dir, name+".json"), struct {
			Record *pipeline.ContractRecord `json:"record"`
			Stub   pipeline.ContractStub    `json:"stub"`
		}{rec, stub}); err != nil {
			return nil, fmt.Errorf("store contract %s: %w", stub.Name, err)
		}
	}
	return rec, nil
}

// requiredTopLevel lists the keys each contract kind must declare.
var requiredTopLevel = map[string][]string{
	"openapi":  {"openapi", "info", "paths"},
	"asyncapi": {"asyncapi", "info", "channels"},
}

// ValidateStub checks a stub's fields and the top-level structure of its
// document. It returns one message per problem.
func ValidateStub(stub pipeline.ContractStub) []string {
	var problems []string
	if err := stubValidate.Struct(stub); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
		return problems
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(stub.Spec), &doc); err != nil {
		return []string{fmt.Sprintf("spec is not valid YAML or JSON: %v", err)}
	}
	if doc == nil {
		return []string{"spec is empty"}
	}
	for _, key := range requiredTopLevel[stub.Kind] {
		if _, ok := doc[key]; !ok {
			problems = append(problems, fmt.Sprintf("%s document is missing %q", stub.Kind, key))
		}
	}
	return problems
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

