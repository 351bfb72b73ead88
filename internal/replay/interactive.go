package replay

import (
	"fmt"
	"strings"

	"github.com/opspilot-ai/opspilot/internal/record"
)

// RenderInteractive renders a plan record into an interactive pager.
func (r *Renderer) RenderInteractive(log record.Log, planID string) error {
	h, entries, err := log.Read(planID)
	if err != nil {
		return fmt.Errorf("failed to read record for plan %s: %w", planID, err)
	}

	var buf strings.Builder
	out := r.output
	r.output = &buf
	err = r.Render(h, entries)
	r.output = out
	if err != nil {
		return err
	}

	return NewPager("Plan: " + planID).Run(buf.String())
}

// Follow tails a file-backed plan record, re-rendering as entries land.
func (r *Renderer) Follow(log *record.FileLog, planID string) error {
	render := func() (string, error) {
		h, entries, err := log.Read(planID)
		if err != nil {
			return "", err
		}
		var buf strings.Builder
		out := r.output
		r.output = &buf
		err = r.Render(h, entries)
		r.output = out
		if err != nil {
			return "", err
		}
		return buf.String(), nil
	}

	if _, err := render(); err != nil {
		return fmt.Errorf("failed to read record for plan %s: %w", planID, err)
	}
	return NewPager("Plan: " + planID + " (LIVE)").RunLive(log.Path(planID), render)
}
