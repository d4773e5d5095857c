package natsbus

import (
	"fmt"
	"strings"
)

// Subjects for run events and control requests.

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("crew.events.%s", token(runID))
}

func TopicControl(op string) string {
	return fmt.Sprintf("crew.control.%s", token(op))
}

const (
	TopicEventsAll  = "crew.events.>"
	TopicControlAll = "crew.control.*"
	TopicRunsDone   = "crew.runs.finished"
)

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// token makes s usable as a single subject token.
func token(s string) string {
	return tokenReplacer.Replace(s)
}
