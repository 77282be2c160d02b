// Package voicelink connects people for peer-to-peer audio calls and runs live
// spoken conversations with an AI assistant.
//
// Calls are negotiated by the call package over a signaling.Channel: either the
// in-process signaling.Memory hub or a signaling.Client talking to a relay
// served by signaling.Relay. Live conversations are driven by the live package
// against the Gemini Live API. The devices package binds both to the local
// microphone and speaker, and agents wires everything into a console client.
package voicelink
