// Package unityhelper implements a Discord bot that answers Unity game
// development questions using Google Gemini.
//
// Users interact with the bot through slash commands:
//
//   - /ask: Ask a Unity development question.
//   - /script: Generate a C# MonoBehaviour from a description.
//   - /debug: Explain a Unity console error. Common errors are answered
//     from a built-in table of known issues, without calling the model.
//   - /review: Review a piece of Unity C# code.
//   - /optimize: Get optimization tips for a target platform.
//   - /ping: Check the bot's gateway latency.
//
// Requests that reach the model are limited per user by a fixed window
// [RequestThrottle], and globally by a rate limiter and a fixed size
// worker pool. Responses longer than a single Discord message are broken
// up by [Split], which keeps fenced code blocks intact across messages.
//
// An optional HTTP server reports the bot's health and usage counters,
// for hosting platforms that expect a process to answer on a port.
package unityhelper
