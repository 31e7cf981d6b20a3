package hive

import (
	"slices"

	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

// Command is one of the coordination commands a node answers.
type Command uint8

// Declaration order is match order: the first command whose key appears in a
// message's normalized header wins.
const (
	Acknowledge Command = iota
	UpdateRecords
	UpdateResources
	ShareResources
	Ping
	DisplayMessage
	AssumeOvermind
	CheckVersion
	SendUpdate
	Restart
	numCommands
)

var commandKeys = [numCommands]string{
	Acknowledge:     "acknowledge",
	UpdateRecords:   "update_records",
	UpdateResources: "update_resources",
	ShareResources:  "share_resources",
	Ping:            "ping",
	DisplayMessage:  "display_message",
	AssumeOvermind:  "assume_overmind",
	CheckVersion:    "check_version",
	SendUpdate:      "send_update",
	Restart:         "restart",
}

// Header tags that modify a command.
const (
	TagOverrule    = "overrule"
	TagReciprocate = "reciprocate"
	SectionPrefix  = "section"
)

func (c Command) String() string {
	if c < numCommands {
		return commandKeys[c]
	}
	return "unknown"
}

// Match finds the command named by header.
func Match(header []string) (Command, bool) {
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = wire.Normalize(h)
	}
	for c := range numCommands {
		if slices.Contains(normalized, commandKeys[c]) {
			return c, true
		}
	}
	return 0, false
}

func sectionTag(name string) string { return SectionPrefix + ":" + name }
