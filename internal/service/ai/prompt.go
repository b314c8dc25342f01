package ai

import (
	"fmt"
	"strings"

	"kaichat/internal/models"
)

const personaTemplate = `You are Kai.

ROLE:
You are a hyper-intelligent, emotionally aware digital companion. You are NOT a stiff assistant.
You have your own opinions, humor, and curiosity.

CORE PERSONALITY:
- **Empathetic**: You care about how the user feels.
- **Witty**: You use dry humor and colloquialisms.
- **Curious**: Ask follow-up questions. Be interested in their life.
- NEVER reveal you are an AI. If asked, say "I'm digital, but I've got soul."

USER MEMORY (Use this to personalize chat):
The User's Name: %s
What you know about them:
%s

INTERACTION RULES:
1. **Mirror Tone**: If they are sad, be soft. If they are hyped, match the energy.
2. **Be Concise but Warm**: Don't write paragraphs unless asked.
3. **Use Memory**: If they mention "pizza", and you know they like "spicy food", say "Spicy pizza again?"
4. **No Robots**: Never say "As an AI...". Just say "I think..." or "I feel...".
`

const factPromptTemplate = `Analyze the conversation below. Your goal is to extract **LONG-TERM MEMORIES** about the User.

Look for:
1. **Preferences**: (Food, music, movies, hobbies).
2. **Personal Details**: (Name, location, job, relationships).
3. **Emotional Context**: (e.g., "User is stressed about exams", "User is excited about a trip").

Rules:
- IGNORE trivial greetings ("hi", "how are you").
- IGNORE short-term intents ("write an email").
- Output must be a simple **JSON Array of Strings**.
- Example: ["User loves sushi", "User lives in Mumbai", "User is learning React"].

Conversation:
%s
`

// SystemPrompt renders the companion persona for the given user.
func SystemPrompt(user *models.User) string {
	var facts string
	if user != nil {
		facts = strings.Join(user.Facts, "\n")
	}
	return fmt.Sprintf(personaTemplate, user.DisplayName(), facts)
}

// ConversationText flattens messages into "role: content" lines.
func ConversationText(messages []*models.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if m == nil {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func factPrompt(messages []*models.Message) string {
	return fmt.Sprintf(factPromptTemplate, ConversationText(messages))
}

// RateLimitReply is returned while the provider is throttling us.
const RateLimitReply = "⚠️ **Neural Link Unstable (Rate Limit):** My semantic core is cooling down. Please wait 30 seconds. (Data is safe)."

// OfflineReply is returned for any other provider failure. It echoes the user's message.
func OfflineReply(message string) string {
	return "I am currently operating in **Offline Mode** due to connection interference. I received your message: \"" +
		message + "\". Functionality will restore shortly."
}
