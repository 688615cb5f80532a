// Package bridge holds the lifecycle hooks a host UI drives: start, stop,
// toggle and the current port, with the discovery file kept in step.
package bridge

import (
	"sync"

	"livebridge/internal/discovery"
	"livebridge/internal/logger"
	"livebridge/internal/server"
)

// Controller wraps a Server with discovery-file bookkeeping.
type Controller struct {
	mu          sync.Mutex
	server      *server.Server
	portFile    string
	defaultPort int
}

// NewController returns a controller for srv. An empty portFile disables
// publishing.
func NewController(srv *server.Server, portFile string, defaultPort int) *Controller {
	return &Controller{server: srv, portFile: portFile, defaultPort: defaultPort}
}

// DefaultPort is the port Toggle starts on.
func (c *Controller) DefaultPort() int { return c.defaultPort }

// Server returns the managed server.
func (c *Controller) Server() *server.Server { return c.server }

// Start binds port and publishes it. A bind failure is returned as is.
func (c *Controller) Start(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(port)
}

func (c *Controller) start(port int) error {
	if err := c.server.Start(port); err != nil {
		return err
	}
	bound := c.server.Port()
	logger.Info("Bridge started on 127.0.0.1:%d", bound)

	if c.portFile != "" {
		if err := discovery.Publish(c.portFile, bound); err != nil {
			logger.Warn("Could not write port file %s: %v", c.portFile, err)
		}
	}
	return nil
}

// Stop shuts the server and removes the port file. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
}

func (c *Controller) stop() {
	if !c.server.IsRunning() {
		return
	}
	c.server.Stop()
	if c.portFile != "" {
		if err := discovery.Remove(c.portFile); err != nil {
			logger.Warn("Could not remove port file %s: %v", c.portFile, err)
		}
	}
	logger.Info("Bridge stopped")
}

// Toggle starts a stopped bridge on the default port or stops a running
// one. It returns the new running state.
func (c *Controller) Toggle() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server.IsRunning() {
		c.stop()
		return false, nil
	}
	if err := c.start(c.defaultPort); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentPort returns the bound port while running.
func (c *Controller) CurrentPort() (int, bool) {
	if !c.server.IsRunning() {
		return 0, false
	}
	return c.server.Port(), true
}

func (c *Controller) IsRunning() bool {
	return c.server.IsRunning()
}

// TokenIssued reports whether a session token exists, without revealing it.
func (c *Controller) TokenIssued() bool {
	_, ok := c.server.Gate().Session().Token()
	return ok
}
