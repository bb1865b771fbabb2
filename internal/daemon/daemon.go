// Package daemon glues the inference core together behind the surface the
// HTTP layer serves: status assembly, streamed generation, model switches
// and pipeline control.
package daemon

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"visiond/internal/coordinator"
	"visiond/internal/engine"
	"visiond/internal/lifecycle"
	"visiond/internal/pipeline"
	"visiond/internal/resmon"
	"visiond/pkg/types"
)

// notReadyError carries the controller state that prevented an operation.
type notReadyError struct{ state string }

func (e notReadyError) Error() string   { return "model not ready: " + e.state }
func (e notReadyError) StatusCode() int { return 503 }

// Daemon owns the wired core components for the lifetime of the process.
type Daemon struct {
	Controller  *lifecycle.Controller
	Coordinator *coordinator.Coordinator
	Monitor     *resmon.Monitor
	Pipeline    *pipeline.Pipeline

	started time.Time
}

// New wires the components into one service surface.
func New(ctrl *lifecycle.Controller, coord *coordinator.Coordinator, mon *resmon.Monitor, pipe *pipeline.Pipeline) *Daemon {
	return &Daemon{
		Controller:  ctrl,
		Coordinator: coord,
		Monitor:     mon,
		Pipeline:    pipe,
		started:     time.Now(),
	}
}

// Variants lists the model variants this build knows how to run.
func (d *Daemon) Variants() types.VariantsResponse {
	return types.VariantsResponse{Variants: types.KnownVariants()}
}

// Ready reports whether a model is loaded and generations can be served.
func (d *Daemon) Ready() bool {
	return d.Controller.State() == lifecycle.StateReady
}

// Status assembles the full observable state of the daemon.
func (d *Daemon) Status() types.StatusResponse {
	state, attempts, handle := d.Controller.Status()
	sample := d.Monitor.Current()
	resp := types.StatusResponse{
		State:            string(state),
		RecoveryAttempts: attempts,
		Handle:           handle,
		Resources: types.ResourceStatus{
			ResidentBytes: sample.ResidentBytes,
			PeakBytes:     d.Monitor.Peak(),
			UsedFraction:  sample.UsedFraction,
			Band:          sample.Band.String(),
			SampledAtUnix: sample.At.Unix(),
		},
		UptimeSeconds:  int64(time.Since(d.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if d.Pipeline != nil {
		resp.Pipeline = d.Pipeline.Stats()
	}
	return resp
}

// Generate runs one request against the active handle, streaming partial
// output as NDJSON events to w. A newer submission preempts this one; the
// stream then ends with a cancelled event rather than an error.
func (d *Daemon) Generate(ctx context.Context, req types.GenerationRequest, w io.Writer, flush func()) error {
	h := d.Controller.Active()
	if h == nil {
		return lifecycle.ErrNoModel
	}
	if h.LoadState() != engine.Loaded {
		return notReadyError{state: string(d.Controller.State())}
	}

	s := d.Coordinator.Submit(ctx, req, h)
	enc := json.NewEncoder(w)
	for cum := range s.Updates() {
		if err := enc.Encode(types.GenerateEvent{Output: cum}); err != nil {
			d.Coordinator.Cancel(h)
			<-s.Done()
			return err
		}
		if flush != nil {
			flush()
		}
	}

	out, err := s.Result()
	switch s.State() {
	case coordinator.Failed:
		return err
	case coordinator.Cancelled:
		if coordinator.IsStuckEngine(err) {
			return err
		}
		if err := enc.Encode(types.GenerateEvent{Done: true, State: coordinator.Cancelled.String()}); err != nil {
			return err
		}
	default:
		snap := h.Snapshot()
		ev := types.GenerateEvent{
			Output:       out.Text,
			Done:         true,
			State:        coordinator.Completed.String(),
			PromptTimeMS: snap.PromptTimeMS,
			TokensPerSec: out.TokensPerSec,
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if flush != nil {
		flush()
	}
	return nil
}

// CancelGeneration preempts the in-flight session, if any.
func (d *Daemon) CancelGeneration() {
	if h := d.Controller.Active(); h != nil {
		d.Coordinator.Cancel(h)
	}
}

// Switch changes the active model variant.
func (d *Daemon) Switch(ctx context.Context, variant types.Variant) error {
	return d.Controller.SwitchTo(ctx, variant)
}

// PipelineStart begins frame production and, in continuous mode, analysis.
func (d *Daemon) PipelineStart(ctx context.Context) error {
	return d.Pipeline.Start(ctx)
}

// PipelineStop halts frame production and cancels in-flight analysis.
func (d *Daemon) PipelineStop() {
	d.Pipeline.Stop()
}

// SetContinuous toggles per-frame auto-admission.
func (d *Daemon) SetContinuous(on bool) {
	d.Pipeline.SetContinuous(on)
}

// TriggerOnce analyzes the newest frame on explicit request.
func (d *Daemon) TriggerOnce(ctx context.Context) (types.HandleStatus, error) {
	s, err := d.Pipeline.TriggerOnce(ctx)
	if err != nil {
		return types.HandleStatus{}, err
	}
	if _, rerr := s.Result(); rerr != nil {
		return types.HandleStatus{}, rerr
	}
	h := d.Controller.Active()
	if h == nil {
		return types.HandleStatus{}, lifecycle.ErrNoModel
	}
	return h.Snapshot(), nil
}
