// Package mqtt bridges the assistant to an MQTT broker. It publishes
// a retained availability flag plus periodic status topics (queue
// depth, token spend, last automation, uptime, version) and subscribes
// to a trigger topic whose payloads fire one-shot automations through
// the proactive pipeline.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the status topic and
// re-subscribes to the trigger topic. A will message ensures the
// status topic transitions to "offline" on unexpected disconnects.
//
// Inbound triggers are rate limited: a flooded or misconfigured broker
// must not be able to spin the agent loop continuously.
package mqtt
