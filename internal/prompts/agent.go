package prompts

// EmptyResponseFallback is the user-facing message sent when the model
// produced no visible text for a turn (for example after hitting the
// tool iteration ceiling).
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
