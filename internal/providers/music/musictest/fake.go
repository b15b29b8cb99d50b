// Package musictest provides a scripted music provider for pipeline tests.
package musictest

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/songforge/internal/providers/music"
	"github.com/smallbiznis/songforge/internal/store"
)

// Provider replays scripted status reports. Each GetStatus call pops the next
// report; the last one repeats once the script is exhausted.
type Provider struct {
	mu sync.Mutex

	SubmitErr    error
	SubmitTaskID string
	Submits      []music.SubmitRequest

	reports []Report
	polls   int
}

// Report is one scripted status answer.
type Report struct {
	Result *music.StatusResult
	Err    error
}

func New() *Provider {
	return &Provider{SubmitTaskID: "ext-task-1"}
}

// Script replaces the status reports.
func (p *Provider) Script(reports ...Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = reports
	p.polls = 0
}

func (p *Provider) Submit(_ context.Context, req music.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Submits = append(p.Submits, req)
	if p.SubmitErr != nil {
		return "", p.SubmitErr
	}
	return p.SubmitTaskID, nil
}

func (p *Provider) GetStatus(_ context.Context, taskID string) (*music.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reports) == 0 {
		return nil, fmt.Errorf("%w: no scripted report", store.ErrProviderTransient)
	}
	i := p.polls
	if i >= len(p.reports) {
		i = len(p.reports) - 1
	}
	p.polls++
	r := p.reports[i]
	if r.Err != nil {
		return nil, r.Err
	}
	res := *r.Result
	res.TaskID = taskID
	return &res, nil
}

func (p *Provider) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Submits)
}

func (p *Provider) PollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Status builds a report with the given status and songs.
func Status(status store.ProviderStatus, songs ...store.SongAPIData) Report {
	return Report{Result: &music.StatusResult{Status: status, Songs: songs}}
}

// Song builds provider song data with an audio url derived from id.
func Song(id string) store.SongAPIData {
	return store.SongAPIData{
		ID:             id,
		AudioURL:       "https://cdn.example.com/" + id + ".mp3",
		StreamAudioURL: "https://cdn.example.com/stream/" + id,
		ImageURL:       "https://cdn.example.com/" + id + ".png",
		Title:          "Song " + id,
		Duration:       120,
	}
}

// StreamOnly builds provider song data that has no final audio url yet.
func StreamOnly(id string) store.SongAPIData {
	s := Song(id)
	s.AudioURL = ""
	return s
}

var _ music.Provider = (*Provider)(nil)
