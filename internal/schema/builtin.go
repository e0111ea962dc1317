package schema

import (
	_ "embed"
	"sync"
)

//go:embed chat.cue
var chatSource string

var chatSchema = sync.OnceValues(func() (*Schema, error) {
	return CompileString(chatSource)
})

// Chat returns the built-in chat schema used when no schema file is
// configured. The returned Schema is shared and must not be modified.
func Chat() (*Schema, error) {
	return chatSchema()
}

// ChatSource returns the CUE text of the built-in chat schema.
func ChatSource() string { return chatSource }
