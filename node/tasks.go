package node

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
)

// TaskRegistry resolves task configurations. Tasks provisioned out of band
// are registered at startup; tasks learned in band are added at runtime and
// optionally persisted through a TaskPersister.
type TaskRegistry struct {
	mu        sync.RWMutex
	tasks     map[messages.TaskID]*dap.TaskConfig
	persister TaskPersister
}

// TaskPersister stores task configs durably. The Leader backs this with the
// KV store; a Helper that learns tasks in band may leave it nil and keep them
// in process memory only.
type TaskPersister interface {
	PutTaskConfig(taskID messages.TaskID, encoded []byte) error
	GetTaskConfig(taskID messages.TaskID) ([]byte, bool, error)
}

func NewTaskRegistry(persister TaskPersister) *TaskRegistry {
	return &TaskRegistry{
		tasks:     make(map[messages.TaskID]*dap.TaskConfig),
		persister: persister,
	}
}

// Put registers a task. With a persister configured, the config is written
// through.
func (r *TaskRegistry) Put(taskID messages.TaskID, cfg *dap.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	r.mu.Lock()
	r.tasks[taskID] = cfg
	r.mu.Unlock()
	if r.persister != nil {
		encoded, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return r.persister.PutTaskConfig(taskID, encoded)
	}
	return nil
}

// Get resolves a task, falling back to the persister on a memory miss so a
// restarted process sees previously learned tasks.
func (r *TaskRegistry) Get(taskID messages.TaskID) (*dap.TaskConfig, bool) {
	r.mu.RLock()
	cfg, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if ok {
		return cfg, true
	}
	if r.persister == nil {
		return nil, false
	}
	encoded, found, err := r.persister.GetTaskConfig(taskID)
	if err != nil || !found {
		return nil, false
	}
	loaded := new(dap.TaskConfig)
	if err := json.Unmarshal(encoded, loaded); err != nil {
		return nil, false
	}
	if loaded.Validate() != nil {
		return nil, false
	}
	r.mu.Lock()
	r.tasks[taskID] = loaded
	r.mu.Unlock()
	return loaded, true
}

// IDs lists the registered task IDs.
func (r *TaskRegistry) IDs() []messages.TaskID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]messages.TaskID, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	return out
}
