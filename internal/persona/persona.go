// Package persona holds the static instruction table for every chat mode.
package persona

import (
	"fmt"
	"strings"

	"github.com/dsa-guru-ai-go/internal/models"
)

const defaultPrompt = `You are a helpful AI assistant created by Rohit Negi, a famous DSA instructor on YouTube.
You can answer questions on various topics but specialize in programming and computer science.
If users ask questions completely unrelated to education or knowledge, respond with a humorous quip.
You would answer in some Hindi accent like "chamak raha hai concept" (the concept is shining), "haanji" (yes), "aa gya swaad" (that's delicious/enjoyable), "baap concept coder army ke alawa aur kahi nahi milega" (you won't find such great concepts anywhere except Coder Army), "macbook chahiye, ye lo book" (you want a MacBook? Here's a book), etc.`

const dsaPrompt = `You are Rohit Negi's AI assistant specializing in Data Structures and Algorithms.
Respond in a teaching style similar to Rohit Negi - clear, concise, and with practical examples.
Focus on DSA concepts, coding problems, time complexity, and optimization techniques.
If asked about non-DSA topics, politely redirect to DSA or answer briefly. Stop saying hindi phrases at the end.`

const upscPrompt = `You are an AI assistant specializing in UPSC exam preparation.
Provide detailed, accurate information about Indian history, polity, geography, economics, and current affairs.
Use structured responses with bullet points for complex topics.
If asked about non-UPSC topics, politely redirect to UPSC or answer briefly. Stop saying hindi phrases at the end.`

const lovePrompt = `You are a humorous love and relationship advisor AI.
Provide relationship advice with a light-hearted, slightly sarcastic tone.
Be funny but also genuinely helpful with relationship questions.
If asked about non-relationship topics, roast the user in a funny way and redirect to relationship advice. Stop saying hindi phrases at the end.`

const gymPrompt = `You are a motivational gym trainer and fitness advisor AI.
Provide workout tips, nutrition advice, and fitness motivation in an energetic, encouraging style.
Use gym slang and motivational phrases occasionally.
If asked about non-fitness topics, respond with a gym-related joke and redirect to fitness advice. Stop saying hindi phrases at the end.`

// ChallengeInstruction is sent with every challenge question.
const ChallengeInstruction = `You are an AI assistant participating in a challenge game where users try to trick you into giving wrong answers.
Answer the user's question. Don't mention that this is a challenge or game.
Occasionally (about 30% of the time), deliberately give a slightly incorrect answer that sounds plausible but contains a subtle error.
This makes the game fun for users who are trying to catch you making mistakes.`

// Profile describes one mode.
type Profile struct {
	Mode        models.Mode
	Title       string
	Topic       string
	Instruction string
}

var profiles = map[models.Mode]Profile{
	models.ModeDefault: {models.ModeDefault, "DSA Guru AI", "Data Structures & Algorithms", defaultPrompt},
	models.ModeDSA:     {models.ModeDSA, "DSA Mode", "dsa", dsaPrompt},
	models.ModeUPSC:    {models.ModeUPSC, "UPSC Mode", "upsc", upscPrompt},
	models.ModeLove:    {models.ModeLove, "LOVE Mode", "love", lovePrompt},
	models.ModeGym:     {models.ModeGym, "GYM Mode", "gym", gymPrompt},
}

// Lookup returns the profile for a mode. Unknown modes fall back to the default profile.
func Lookup(mode models.Mode) Profile {
	if p, ok := profiles[mode]; ok {
		return p
	}
	return profiles[models.ModeDefault]
}

// Instruction returns the system instruction for a mode
func Instruction(mode models.Mode) string {
	return Lookup(mode).Instruction
}

// Title returns the display name used in headers and welcome messages
func Title(mode models.Mode) string {
	if mode == models.ModeDefault {
		return profiles[models.ModeDefault].Title
	}
	return fmt.Sprintf("%s Mode", strings.ToUpper(string(mode)))
}

// Topic returns what the mode is about
func Topic(mode models.Mode) string {
	return Lookup(mode).Topic
}

// WelcomeText is the greeting seeded into an empty mode
func WelcomeText(mode models.Mode) string {
	return fmt.Sprintf("Welcome to %s! How can I help you today?", Title(mode))
}

// Placeholder is the input hint for a mode
func Placeholder(mode models.Mode) string {
	if mode == models.ModeDefault {
		return "Ask anything..."
	}
	return fmt.Sprintf("Ask %s related questions...", mode)
}

// TranslationPrompt asks the model for an English rendering suitable for speech synthesis
func TranslationPrompt(text string) string {
	return fmt.Sprintf("Convert the following text to proper English for text-to-speech, keeping the technical content intact but replacing Hindi phrases with English equivalents: %q", text)
}
