package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

type chatgptAdapter struct {
	adapterEnv
	baseURL string
}

func newChatGPTAdapter(env adapterEnv) *chatgptAdapter {
	return &chatgptAdapter{adapterEnv: env, baseURL: "https://chatgpt.com"}
}

func (a *chatgptAdapter) Platform() string { return PlatformChatGPT }

type chatgptWire struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Title          string                 `json:"title"`
	CurrentNode    string                 `json:"current_node"`
	CreateTime     float64                `json:"create_time"`
	UpdateTime     float64                `json:"update_time"`
	Mapping        map[string]chatgptNode `json:"mapping"`
}

type chatgptNode struct {
	Parent  string          `json:"parent"`
	Message *chatgptMessage `json:"message"`
}

type chatgptMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime float64 `json:"create_time"`
	Content    struct {
		Parts []any `json:"parts"`
	} `json:"content"`
}

func (a *chatgptAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformChatGPT, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	creds, err := a.credentials(ctx, PlatformChatGPT, "token")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/backend-api/conversation/"+id, nil)
	if err != nil {
		return nil, err
	}
	// Stored verbatim with the Bearer prefix.
	req.Header.Set("Authorization", creds["token"])
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformChatGPT, "refresh the page", "token")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformChatGPT, resp)
	}
	defer resp.Body.Close()

	var wire chatgptWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformChatGPT, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

func (a *chatgptAdapter) normalize(wire *chatgptWire, id, pageURL string) *Conversation {
	messages := linearizeMapping(wire)

	convID := wire.ID
	if convID == "" {
		convID = wire.ConversationID
	}
	if convID == "" {
		convID = id
	}
	url := pageURL
	if !strings.Contains(url, "chatgpt.com") {
		url = "https://chatgpt.com/c/" + convID
	}
	return &Conversation{
		ID:        convID,
		Platform:  PlatformChatGPT,
		Title:     deriveTitle(wire.Title, messages, "ChatGPT Conversation"),
		Messages:  messages,
		URL:       url,
		CreatedAt: epochMillis(wire.CreateTime),
		UpdatedAt: epochMillis(wire.UpdateTime),
	}
}

// linearizeMapping reconstructs the active branch of the conversation
// tree by walking parent links backwards from current_node. When the
// current node is unknown every node is dumped in create_time order,
// alternate branches included.
func linearizeMapping(wire *chatgptWire) []Message {
	messages := []Message{}
	if len(wire.Mapping) == 0 {
		return messages
	}

	if node, ok := wire.Mapping[wire.CurrentNode]; ok && wire.CurrentNode != "" {
		visited := map[string]bool{}
		nodeID := wire.CurrentNode
		for nodeID != "" && !visited[nodeID] {
			visited[nodeID] = true
			if msg := chatgptMessageFromNode(node); msg != nil {
				messages = append(messages, *msg)
			}
			nodeID = node.Parent
			var found bool
			node, found = wire.Mapping[nodeID]
			if !found {
				break
			}
		}
		reverseMessages(messages)
		return messages
	}

	nodes := make([]chatgptNode, 0, len(wire.Mapping))
	for _, node := range wire.Mapping {
		if node.Message != nil {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Message.CreateTime < nodes[j].Message.CreateTime
	})
	for _, node := range nodes {
		if msg := chatgptMessageFromNode(node); msg != nil {
			messages = append(messages, *msg)
		}
	}
	return messages
}

func chatgptMessageFromNode(node chatgptNode) *Message {
	msg := node.Message
	if msg == nil || len(msg.Content.Parts) == 0 {
		return nil
	}
	parts := make([]string, 0, len(msg.Content.Parts))
	for _, part := range msg.Content.Parts {
		if s, ok := part.(string); ok {
			parts = append(parts, s)
		}
	}
	content := strings.Join(parts, "\n")
	if strings.TrimSpace(content) == "" {
		return nil
	}
	role := RoleAssistant
	switch msg.Author.Role {
	case "user":
		role = RoleUser
	case "system":
		role = RoleSystem
	}
	return &Message{
		ID:        msg.ID,
		Role:      role,
		Content:   content,
		Timestamp: epochMillis(msg.CreateTime),
	}
}

func reverseMessages(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
