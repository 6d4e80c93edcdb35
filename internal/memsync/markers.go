package memsync

import (
	"bytes"
	"fmt"
)

func beginMarker(workspaceID string) []byte {
	return []byte(fmt.Sprintf("<!-- satlog:begin workspace=%s -->", workspaceID))
}

func endMarker(workspaceID string) []byte {
	return []byte(fmt.Sprintf("<!-- satlog:end workspace=%s -->", workspaceID))
}

// ReplaceMarked swaps the bytes between the workspace's begin and end markers for
// block. Everything outside the span, markers included, is kept byte for byte.
// ok is false when either marker is missing or they are out of order.
func ReplaceMarked(content []byte, workspaceID string, block []byte) (out []byte, ok bool) {
	begin, end := beginMarker(workspaceID), endMarker(workspaceID)
	i := bytes.Index(content, begin)
	if i < 0 {
		return content, false
	}
	start := i + len(begin)
	j := bytes.Index(content[start:], end)
	if j < 0 {
		return content, false
	}
	stop := start + j

	out = make([]byte, 0, len(content)-(stop-start)+len(block)+2)
	out = append(out, content[:start]...)
	out = append(out, '\n')
	out = append(out, block...)
	if len(block) > 0 && block[len(block)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, content[stop:]...)
	return out, true
}
