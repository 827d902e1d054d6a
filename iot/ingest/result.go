package ingest

import (
	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Stage is a step of the ingestion pipeline
type Stage string

// Pipeline stages in processing order
const (
	StageReceived        Stage = "received"
	StageTopicDecoded    Stage = "topic_decoded"
	StageDeviceResolved  Stage = "device_resolved"
	StagePayloadDecoded  Stage = "payload_decoded"
	StageLivenessUpdated Stage = "liveness_updated"
	StageAppended        Stage = "appended"
	StageBroadcast       Stage = "broadcast"
	StageDone            Stage = "done"
)

// Outcome is the final state of a message
type Outcome string

// Outcomes. Dropped messages never reached the store, failed messages were
// lost on a store or broadcast error.
const (
	OutcomeDone    Outcome = "done"
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
)

// Result describes how far a message got through the pipeline. Stage is the
// last stage completed.
type Result struct {
	Stage   Stage
	Outcome Outcome
	Err     error
	Sample  *telemetry.Sample
	Device  *device.Device
}
