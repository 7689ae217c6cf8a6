package workflow

import (
	"fmt"
	"time"
)

// Stage names, canonical across the bus topology, the catalog, and workers.
const (
	StageExtraction     = "extraction"
	StageTransformation = "transformation"
	StageVerification   = "verification"
)

// Tunables, overridable uniformly via MAX_ATTEMPTS / STAGE_TIMEOUT_SECONDS.
var (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
)

func extractionStage() StageDescriptor {
	return StageDescriptor{Name: StageExtraction, RoutingKey: StageExtraction, FanOut: FanOutUnit, MaxAttempts: DefaultMaxAttempts, Timeout: DefaultTimeout}
}

func transformationStage() StageDescriptor {
	return StageDescriptor{Name: StageTransformation, RoutingKey: StageTransformation, FanOut: FanOutPerItem, ItemsKey: "article_ids", MaxAttempts: DefaultMaxAttempts, Timeout: DefaultTimeout}
}

func verificationStage() StageDescriptor {
	return StageDescriptor{Name: StageVerification, RoutingKey: StageVerification, FanOut: FanOutUnit, MaxAttempts: DefaultMaxAttempts, Timeout: DefaultTimeout}
}

// Catalog resolves a workflow_type to its ordered stage list. It is built
// fresh per call so that changes to DefaultMaxAttempts/DefaultTimeout at
// startup (from MAX_ATTEMPTS/STAGE_TIMEOUT_SECONDS env vars) are
// reflected in every subsequently created workflow.
func Catalog() map[string][]StageDescriptor {
	return map[string][]StageDescriptor{
		"extract":           {extractionStage()},
		"extract_transform": {extractionStage(), transformationStage()},
		"transform_only":    {transformationStage()},
		"verify":            {verificationStage()},
	}
}

// ErrUnknownWorkflowType is returned by Create for an unrecognized workflow_type.
var ErrUnknownWorkflowType = fmt.Errorf("unknown workflow_type")

// ResolveStages looks up a workflow_type in the catalog.
func ResolveStages(workflowType string) ([]StageDescriptor, error) {
	stages, ok := Catalog()[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflowType, workflowType)
	}
	return stages, nil
}
