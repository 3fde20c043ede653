// Package worker fans load generation out across cooperating OS
// processes. A controller process spawns workers running the same
// binary, hands each its share of the configuration and the serialized
// auth cache, runs steps on them, and merges the statistics they report
// back. Transport is JSON lines over the child's stdin/stdout; worker
// logging goes to stderr so the protocol stream stays clean.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/SolidLabResearch/css-flood/internal/config"
	"github.com/SolidLabResearch/css-flood/internal/flood"
)

// Message is one variant of the controller/worker protocol. The wire
// form is the variant's JSON fields plus a messageType discriminator.
type Message interface {
	messageType() string
}

// SetCliArgs hands a worker the full configuration plus its share of
// the total load: fetch count and parallelism are divided fairly over
// all workers, and the filename index offset keeps the generated object
// names of cooperating processes disjoint.
type SetCliArgs struct {
	CliArgs            config.Config `json:"cliArgs"`
	ProcessFetchCount  int           `json:"processFetchCount"`
	ParallelFetchCount int           `json:"parallelFetchCount"`
	Index              int           `json:"index"`
}

// SetCache hands a worker the controller's serialized auth cache.
type SetCache struct {
	AuthCacheContent string `json:"authCacheContent"`
}

// RunStep instructs a worker to execute one named step.
type RunStep struct {
	StepName string `json:"stepName"`
}

// StopWorker instructs a worker to exit cleanly.
type StopWorker struct{}

// WorkerAnnounce is sent once by every worker at startup.
type WorkerAnnounce struct {
	PID int `json:"pid"`
}

// ReportStepDone acknowledges a completed RunStep.
type ReportStepDone struct{}

// ReportFloodStatistics carries a worker's results after the flood step.
type ReportFloodStatistics struct {
	Statistics flood.FloodStatistics `json:"statistics"`
}

func (SetCliArgs) messageType() string            { return "SetCliArgs" }
func (SetCache) messageType() string              { return "SetCache" }
func (RunStep) messageType() string               { return "RunStep" }
func (StopWorker) messageType() string            { return "StopWorker" }
func (WorkerAnnounce) messageType() string        { return "WorkerAnnounce" }
func (ReportStepDone) messageType() string        { return "ReportStepDone" }
func (ReportFloodStatistics) messageType() string { return "ReportFloodStatistics" }

// Encode serializes a message to its wire form.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["messageType"], err = json.Marshal(m.messageType())
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// Decode parses one wire-form message, dispatching on messageType.
func Decode(data []byte) (Message, error) {
	messageType := gjson.GetBytes(data, "messageType")
	if !messageType.Exists() {
		return nil, fmt.Errorf("message without messageType: %s", data)
	}

	var (
		msg Message
		err error
	)
	switch messageType.String() {
	case "SetCliArgs":
		var m SetCliArgs
		err = json.Unmarshal(data, &m)
		msg = m
	case "SetCache":
		var m SetCache
		err = json.Unmarshal(data, &m)
		msg = m
	case "RunStep":
		var m RunStep
		err = json.Unmarshal(data, &m)
		msg = m
	case "StopWorker":
		msg = StopWorker{}
	case "WorkerAnnounce":
		var m WorkerAnnounce
		err = json.Unmarshal(data, &m)
		msg = m
	case "ReportStepDone":
		msg = ReportStepDone{}
	case "ReportFloodStatistics":
		var m ReportFloodStatistics
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", messageType.String())
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s message: %w", messageType.String(), err)
	}
	return msg, nil
}
