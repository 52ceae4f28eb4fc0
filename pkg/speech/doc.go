// Package speech holds the session controller that sits between a speech
// panel and two independent engines: a synthesis engine that speaks text with
// a chosen voice, rate and pitch, and a recognition engine that turns live
// microphone input into a running transcript.
//
// The [Controller] is the sole owner of the session state. User intents
// (edit text, adjust rate or pitch, select a voice, speak, start/stop/reset
// listening) and engine callbacks ([Controller.OnCatalogRefreshed],
// [Controller.OnTranscriptUpdate]) are applied as bounded, synchronous
// transitions that always leave the state consistent: the selected voice is
// either a member of the current catalog or empty, and rate and pitch are
// always within [MinRate, MaxRate] and [MinPitch, MaxPitch].
//
// A Controller is not safe for concurrent use. Drive it from one goroutine,
// for example an event loop that receives user commands and engine events
// over channels.
package speech
