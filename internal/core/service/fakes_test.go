package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hive-corporation/iochub/internal/core/ports"
)

type fakeSource struct {
	artifacts map[string][]ports.Artifact  // term -> artifacts
	iocs      map[string][]json.RawMessage // artifact id -> raw records
	searchErr map[string]error             // term -> error
	listErr   map[string]error             // artifact id -> error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) SearchArtifacts(_ context.Context, term, ecosystem string) ([]ports.Artifact, error) {
	if err := f.searchErr[term]; err != nil {
		return nil, err
	}
	out := make([]ports.Artifact, 0, len(f.artifacts[term]))
	for _, a := range f.artifacts[term] {
		if a.Ecosystem == "" {
			a.Ecosystem = ecosystem
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeSource) ListIOCs(_ context.Context, id string) ([]json.RawMessage, error) {
	if err := f.listErr[id]; err != nil {
		return nil, err
	}
	return f.iocs[id], nil
}

func raws(docs ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		out[i] = json.RawMessage(d)
	}
	return out
}

type fakePublisher struct {
	calls int
	title string
	attrs []ports.MISPAttribute
	resp  json.RawMessage
	err   error
}

func (f *fakePublisher) CreateEvent(_ context.Context, title string, attrs []ports.MISPAttribute) (json.RawMessage, error) {
	f.calls++
	f.title = title
	f.attrs = attrs
	return f.resp, f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	harvest []ports.HarvestSummary
	pushes  []ports.MISPPushSummary
	err     error
}

func (f *fakeNotifier) NotifyHarvest(_ context.Context, s ports.HarvestSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.harvest = append(f.harvest, s)
	return f.err
}

func (f *fakeNotifier) NotifyMISPPush(_ context.Context, p ports.MISPPushSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, p)
	return f.err
}

var errBoom = errors.New("boom")
