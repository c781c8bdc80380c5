// Package speech drives continuous speech capture on top of a platform recognizer.
//
// The platform (a browser over the voice websocket, or a console) is reached through Capability. Capture
// owns the listening state: it keeps at most one recognizer alive, restarts it when it ends on its own,
// and commits accumulated final text once the speaker has been quiet for a fixed window.
package speech
