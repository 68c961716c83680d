// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

type configuration struct {
	// Current value of every registered key, nil means no failure injected.
	configs  map[string]*json.RawMessage
	handlers map[string]func(json.RawMessage) error
	lock     sync.Mutex // Protect fields above.
}

func newConfiguration() *configuration {
	return &configuration{
		configs:  make(map[string]*json.RawMessage),
		handlers: make(map[string]func(json.RawMessage) error),
	}
}

// Register a failure handler under the given key.
func (c *configuration) register(key string, handler func(json.RawMessage) error) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.handlers[key]; ok {
		return fmt.Errorf("Key %q is already registered.", key)
	}
	c.handlers[key] = handler
	c.configs[key] = nil
	return nil
}

// Serialize configuration object to JSON format.
func (c *configuration) MarshalJSON() ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return json.Marshal(c.configs)
}

// update decodes 'data' as a JSON object and applies it as the new
// configuration.
func (c *configuration) update(data []byte) error {
	var updates map[string]*json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&updates); err != nil {
		return err
	}
	return c.applyUpdates(updates)
}

// Apply the updates to current configuration. Handlers are only called for
// keys whose value is set, or reset from a non-nil value.
func (c *configuration) applyUpdates(updates map[string]*json.RawMessage) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	// All keys included in "updates" must be registered.
	for key := range updates {
		if _, ok := c.configs[key]; !ok {
			return fmt.Errorf("Key %q is not registered", key)
		}
	}

	for key, curValue := range c.configs {
		updateValue := updates[key]

		switch {
		case updateValue != nil:
			if err := c.handlers[key](*updateValue); err != nil {
				return err
			}
		case curValue != nil:
			// Missing from updates, reset it.
			if err := c.handlers[key](nil); err != nil {
				return err
			}
		}
		c.configs[key] = updateValue
	}
	return nil
}
