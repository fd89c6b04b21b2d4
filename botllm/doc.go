// Package botllm implements the platform-agnostic core of an LLM chat
// relay bot: it accepts user chat requests, decides whether each one may
// proceed, and arbitrates shared resources while doing so.
//
// Key components of the package include:
//
//   - BotLLM: The main struct that encapsulates the bot's core functionality.
//   - SettingsStore: Layered runtime settings (global plus per-tenant),
//     persisted to a JSON file and mutable while the bot is running.
//   - CredentialPool: Rotates upstream API keys round-robin, with
//     failover across keys when a call fails.
//   - CooldownLimiter: Enforces a per-user minimum interval between
//     accepted requests.
//   - ConversationLog: Bounded per-conversation history shared between
//     requests.
//   - API: A backend admin API for runtime settings, credential
//     management, and the request ledger.
//
// Platform glue (Discord, Slack, a web frontend) is intentionally left
// to the embedding application: it constructs a [ChatRequest] from
// whatever envelope its platform delivers, calls [BotLLM.Chat], and
// renders the [ChatResult] or the [RequestError] it gets back.
package botllm
