package driver

import (
	"time"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// Coalescer folds the agent's chunked update stream into whole records for
// the session log. Consecutive message chunks become one
// agent_message_complete; a tool_call and its updates become one
// tool_call_complete. Raw frames still stream to watchers unmodified; only
// persistence is coalesced.
type Coalescer struct {
	message  []byte
	thought  []byte
	tools    map[string]*v1.ToolCallInfo
	order    []string
	now      func() time.Time
}

// NewCoalescer returns an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{
		tools: make(map[string]*v1.ToolCallInfo),
		now:   time.Now,
	}
}

// Feed consumes one raw record and returns any records that just became
// complete and should be persisted.
func (c *Coalescer) Feed(rec v1.SessionRecord) []v1.SessionRecord {
	switch rec.Type {
	case v1.SessionRecordMessageChunk:
		out := c.flushThought(nil)
		c.message = append(c.message, rec.Text...)
		return out

	case v1.SessionRecordThoughtChunk:
		out := c.flushMessage(nil)
		c.thought = append(c.thought, rec.Text...)
		return out

	case v1.SessionRecordToolCall:
		out := c.flushText(nil)
		if rec.ToolCall != nil {
			info := *rec.ToolCall
			if _, seen := c.tools[info.ID]; !seen {
				c.order = append(c.order, info.ID)
			}
			c.tools[info.ID] = &info
		}
		return out

	case v1.SessionRecordToolCallUpdate:
		if rec.ToolCall == nil {
			return nil
		}
		info, ok := c.tools[rec.ToolCall.ID]
		if !ok {
			// Update for a call we never saw: emit it alone.
			info = rec.ToolCall
			c.tools[info.ID] = info
			c.order = append(c.order, info.ID)
		} else {
			mergeToolCall(info, rec.ToolCall)
		}
		if info.Status == v1.ToolCallCompleted || info.Status == v1.ToolCallFailed {
			delete(c.tools, info.ID)
			c.dropOrder(info.ID)
			return []v1.SessionRecord{{
				Type:      v1.SessionRecordToolCallDone,
				Timestamp: c.now(),
				ToolCall:  info,
			}}
		}
		return nil

	default:
		// Plans, command lists and opaque frames persist as-is, after any
		// pending text so the log keeps the agent's ordering.
		out := c.flushText(nil)
		rec.Timestamp = c.now()
		return append(out, rec)
	}
}

// FlushAll ends the turn: pending text and still-open tool calls become
// complete records.
func (c *Coalescer) FlushAll() []v1.SessionRecord {
	out := c.flushText(nil)
	for _, id := range c.order {
		info, ok := c.tools[id]
		if !ok {
			continue
		}
		out = append(out, v1.SessionRecord{
			Type:      v1.SessionRecordToolCallDone,
			Timestamp: c.now(),
			ToolCall:  info,
		})
	}
	c.tools = make(map[string]*v1.ToolCallInfo)
	c.order = nil
	return out
}

func (c *Coalescer) flushText(out []v1.SessionRecord) []v1.SessionRecord {
	out = c.flushThought(out)
	return c.flushMessage(out)
}

func (c *Coalescer) flushMessage(out []v1.SessionRecord) []v1.SessionRecord {
	if len(c.message) == 0 {
		return out
	}
	out = append(out, v1.SessionRecord{
		Type:      v1.SessionRecordMessageComplete,
		Timestamp: c.now(),
		Text:      string(c.message),
	})
	c.message = nil
	return out
}

func (c *Coalescer) flushThought(out []v1.SessionRecord) []v1.SessionRecord {
	if len(c.thought) == 0 {
		return out
	}
	out = append(out, v1.SessionRecord{
		Type:      v1.SessionRecordThoughtComplete,
		Timestamp: c.now(),
		Text:      string(c.thought),
	})
	c.thought = nil
	return out
}

func (c *Coalescer) dropOrder(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func mergeToolCall(dst, src *v1.ToolCallInfo) {
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if len(src.Locations) > 0 {
		dst.Locations = src.Locations
	}
	if src.Input != nil {
		dst.Input = src.Input
	}
	if src.Output != nil {
		dst.Output = src.Output
	}
}
