/*Package mqtt provides an embedded MQTT broker for device telemetry

Devices publish their readings as JSON to

	iot/{external_device_id}/telemetry

Every message below iot/ is handed to the ingester, which drops the ones not
matching this pattern. Messages are passed on to MQTT subscribers as usual.

Device Authorization

When the broker runs with TLS and a certificate authority, devices must present a
client certificate whose common name equals their MQTT client id, which in turn is
their external device id. Such a device may only publish to its own telemetry topic
and may only subscribe to its realtime topic

	/topic/telemetry/{external_device_id}

Without a certificate authority the broker accepts every client and every topic.

The broker also implements iot.MessagePublisher, so it can serve as broadcast
transport for the realtime topics.
*/
package mqtt
