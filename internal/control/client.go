package control

import (
	"errors"
	"time"

	"github.com/aamat-dev/crew-ia/internal/natsbus"
	"github.com/aamat-dev/crew-ia/internal/runsvc"
)

const defaultTimeout = 10 * time.Second

// Client sends control requests to a serving crew process.
type Client struct {
	nc      *natsbus.Client
	Timeout time.Duration
}

func NewClient(nc *natsbus.Client) *Client {
	return &Client{nc: nc, Timeout: defaultTimeout}
}

// Do sends req on the subject for op. A reply carrying an error is
// returned as one.
func (c *Client) Do(op string, req Request) (*Response, error) {
	var resp Response
	if err := c.nc.RequestJSON(natsbus.TopicControl(op), req, &resp, c.Timeout); err != nil {
		return nil, err
	}
	if !resp.OK {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *Client) Start(planID string, dryRun bool) (string, error) {
	resp, err := c.Do(OpStart, Request{PlanID: planID, DryRun: dryRun})
	if err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *Client) Resubmit(runID, planID string) error {
	_, err := c.Do(OpResubmit, Request{RunID: runID, PlanID: planID})
	return err
}

func (c *Client) Pause(runID string) error {
	_, err := c.Do(OpPause, Request{RunID: runID})
	return err
}

func (c *Client) Resume(runID string) error {
	_, err := c.Do(OpResume, Request{RunID: runID})
	return err
}

func (c *Client) Override(runID, nodeID string, patch map[string]any) error {
	_, err := c.Do(OpOverride, Request{RunID: runID, NodeID: nodeID, Patch: patch})
	return err
}

func (c *Client) Skip(runID, nodeID string) error {
	_, err := c.Do(OpSkip, Request{RunID: runID, NodeID: nodeID})
	return err
}

func (c *Client) Cancel(runID string) error {
	_, err := c.Do(OpCancel, Request{RunID: runID})
	return err
}

func (c *Client) Status(runID string) (*runsvc.RunState, error) {
	resp, err := c.Do(OpStatus, Request{RunID: runID})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) Active() ([]string, error) {
	resp, err := c.Do(OpActive, Request{})
	if err != nil {
		return nil, err
	}
	return resp.Active, nil
}
