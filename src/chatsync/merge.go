package chatsync

import (
	"sort"

	"github.com/orchestra-mcp/chatsync/src/types"
)

// mergeMessages returns existing plus incoming with duplicate ids removed
// (first occurrence wins), sorted ascending by (timestamp, id).
func mergeMessages(existing []types.Message, incoming ...types.Message) []types.Message {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]types.Message, 0, len(existing)+len(incoming))
	for _, group := range [][]types.Message{existing, incoming} {
		for _, m := range group {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func containsID(msgs []types.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
