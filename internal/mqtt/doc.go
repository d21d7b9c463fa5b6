// Package mqtt bridges devices that talk MQTT into the mesh.
//
// A device joins by publishing a registration to
// <prefix>/devices/<id>/register and sets a will message of "offline"
// on <prefix>/devices/<id>/status. The bridge acknowledges on
// <prefix>/devices/<id>/registered, delivers commands on
// <prefix>/devices/<id>/commands and reads answers from
// <prefix>/devices/<id>/results. Payloads are the same JSON documents
// the WebSocket hub carries, without the envelope.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the device topics, publishes retained Home Assistant
// discovery configs for the hub's sensors and a birth message
// ("online") to the hub availability topic. A will message flips that
// topic to "offline" on unexpected disconnects.
package mqtt
