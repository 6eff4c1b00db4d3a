// Package domain defines the core business types shared across deployd.
// These types represent the controller's data model, not HTTP or engine
// specifics.
//
// Status and target kinds are closed enums (typed strings with validation)
// rather than free-form strings so that invalid values are caught at parse
// boundaries instead of deep inside the pipeline.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrNotFound indicates the requested resource does not exist.
var ErrNotFound = errors.New("resource not found")

// PollID is the client-supplied identifier under which a deployment is tracked.
//
// Historical payloads used a dotted "<uuid>.<uuid>" form; newer clients send a
// single uuid. Both are accepted on input, but a PollID always serializes to
// the single-uuid form. The two forms are not interchangeable in persisted
// payloads, so the legacy second component is discarded rather than stored.
type PollID struct {
	uuid.UUID
}

// NewPollID generates a fresh random polling id.
func NewPollID() PollID {
	return PollID{UUID: uuid.New()}
}

// ParsePollID parses either "<uuid>" or legacy "<uuid>.<uuid>".
func ParsePollID(s string) (PollID, error) {
	head, _, _ := strings.Cut(s, ".")
	id, err := uuid.Parse(head)
	if err != nil {
		return PollID{}, fmt.Errorf("parse poll id %q: %w", s, err)
	}
	return PollID{UUID: id}, nil
}

// UnmarshalJSON accepts both the single-uuid and legacy dotted forms.
func (p *PollID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParsePollID(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// MarshalJSON always emits the single-uuid form.
func (p PollID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.UUID.String())
}

// Step is a pipeline stage inside an in-progress deployment.
// Steps advance strictly forward: Building → Pushing → Pulling → Deploying.
type Step string

const (
	StepBuilding  Step = "building"
	StepPushing   Step = "pushing"
	StepPulling   Step = "pulling"
	StepDeploying Step = "deploying"
)

// stepOrder maps each step to its position in the pipeline.
var stepOrder = map[Step]int{
	StepBuilding:  0,
	StepPushing:   1,
	StepPulling:   2,
	StepDeploying: 3,
}

// ValidStep reports whether s is a known pipeline step.
func ValidStep(s Step) bool {
	_, ok := stepOrder[s]
	return ok
}

// Next returns the successor step, or false if s is the last step.
func (s Step) Next() (Step, bool) {
	switch s {
	case StepBuilding:
		return StepPushing, true
	case StepPushing:
		return StepPulling, true
	case StepPulling:
		return StepDeploying, true
	}
	return "", false
}

// Before reports whether s comes strictly before other in the pipeline.
func (s Step) Before(other Step) bool {
	return stepOrder[s] < stepOrder[other]
}

// StatusKind discriminates the DeployStatus union.
type StatusKind string

const (
	StatusUnknown    StatusKind = "unknown"
	StatusInProgress StatusKind = "in_progress"
	StatusSuccess    StatusKind = "success"
	StatusFailure    StatusKind = "failure"
)

// DeployStatus is the tagged status of one tracked deployment.
// Exactly the fields relevant to Kind are populated:
//
//	InProgress: StartedAt, Step, ChangedAt
//	Success:    FinishedAt, Ports
//	Failure:    FinishedAt, Reason
//
// Success and Failure are terminal: a terminal status never transitions back
// to InProgress; it can only be removed by explicit deregistration.
type DeployStatus struct {
	Kind       StatusKind `json:"kind"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	ChangedAt  time.Time  `json:"changed_at,omitzero"`
	Step       Step       `json:"step,omitempty"`
	Ports      []int32    `json:"ports,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// UnknownStatus is the default status for an unregistered poll id.
func UnknownStatus() DeployStatus {
	return DeployStatus{Kind: StatusUnknown}
}

// InProgress builds an in-progress status at the given step.
func InProgress(startedAt time.Time, step Step) DeployStatus {
	return DeployStatus{
		Kind:      StatusInProgress,
		StartedAt: startedAt,
		ChangedAt: startedAt,
		Step:      step,
	}
}

// Terminal reports whether the status is Success or Failure.
func (s DeployStatus) Terminal() bool {
	return s.Kind == StatusSuccess || s.Kind == StatusFailure
}

// WireName returns the status name used on the HTTP response surface.
// The Deploying step has always been reported as "Uploading" on the wire;
// clients depend on that spelling, so it is preserved here.
func (s DeployStatus) WireName() string {
	switch s.Kind {
	case StatusInProgress:
		switch s.Step {
		case StepBuilding:
			return "Building"
		case StepPushing:
			return "Pushing"
		case StepPulling:
			return "Pulling"
		case StepDeploying:
			return "Uploading"
		}
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	}
	return "Unknown"
}

// RequestMeta is the per-request metadata bundle built once by the dispatcher
// and carried through the pipeline.
type RequestMeta struct {
	PollID    PollID       `json:"poll_id"`
	ChallName string       `json:"chall_name"`
	Endpoint  string       `json:"endpoint_name"` // uppercased request type
	Status    DeployStatus `json:"status"`
	Other     string       `json:"other_data,omitempty"`
}

// NewRequestMeta builds request metadata, uppercasing the endpoint name.
func NewRequestMeta(pollID PollID, challName, endpoint string) RequestMeta {
	return RequestMeta{
		PollID:    pollID,
		ChallName: challName,
		Endpoint:  strings.ToUpper(endpoint),
		Status:    UnknownStatus(),
	}
}

// TargetType identifies a deploy target or link kind.
type TargetType string

const (
	TargetStatic TargetType = "static"
	TargetWeb    TargetType = "web"
	TargetAdmin  TargetType = "admin"
	TargetNc     TargetType = "nc"
)

// DeployTargetOrder is the iteration order for deploy targets. Targets absent
// from a challenge are skipped; present ones always run in this order.
var DeployTargetOrder = []TargetType{TargetWeb, TargetAdmin, TargetNc}

// ValidTargetType reports whether t is a known target type.
func ValidTargetType(t TargetType) bool {
	switch t {
	case TargetStatic, TargetWeb, TargetAdmin, TargetNc:
		return true
	}
	return false
}

// ContainerType classifies a challenge file by the container it belongs to.
type ContainerType string

const (
	ContainerStatic ContainerType = "static"
	ContainerNc     ContainerType = "nc"
	ContainerWeb    ContainerType = "web"
	ContainerAdmin  ContainerType = "admin"
)

// ValidContainerType reports whether c is a known container type.
func ValidContainerType(c ContainerType) bool {
	switch c {
	case ContainerStatic, ContainerNc, ContainerWeb, ContainerAdmin:
		return true
	}
	return false
}

// NetworkProtocol is the L4 protocol of an exposed port.
type NetworkProtocol string

const (
	ProtocolTCP NetworkProtocol = "tcp"
	ProtocolUDP NetworkProtocol = "udp"
)

// DeployLink is a computed, outward-facing link for a deployed target.
type DeployLink struct {
	Type TargetType `json:"type"`
	Link string     `json:"link"`
}
