package completion

// Role values for chat messages sent to the completion service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged chat message in the upstream API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System returns a system-role message with the given content.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user-role message with the given content.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant-role message with the given content.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
