// Package sandbox is the contract for remote execution environments
// (browser or desktop instances) that some agents require.
package sandbox

import (
	"context"
	"time"
)

// InstanceType names the kind of remote environment.
type InstanceType string

const (
	InstanceBrowser InstanceType = "browser"
	InstanceDesktop InstanceType = "desktop"
)

// Task is what an agent asks the instance to do.
type Task struct {
	Instruction string                 `json:"instruction"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// Result is the instance's answer.
type Result struct {
	Output   string                 `json:"output"`
	Success  bool                   `json:"success"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Client manages remote instances. The orchestrator never calls it directly;
// agents that declare the sandbox capability do.
type Client interface {
	CreateInstance(ctx context.Context, typ InstanceType, timeout time.Duration) (string, error)
	Execute(ctx context.Context, instanceID string, task Task) (*Result, error)
	Terminate(ctx context.Context, instanceID string) error
}
