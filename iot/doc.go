// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the telemetry ingestion pipeline for IoT devices

Devices publish JSON readings to iot/{external_device_id}/telemetry, either on the
embedded broker (package mqtt) or on an external broker the service subscribes to
(package subscriber). Both hand every message to an Ingester, which is implemented by
the coordinator in package ingest.

The coordinator resolves the device in the directory (package device), decodes the
reading (package telemetry), records the device as seen, appends the sample to the
store (package store) and broadcasts it on /topic/telemetry/{external_device_id}
(package broadcast) to websocket clients, Kafka and MQTT subscribers.

Package query reads the store: latest samples, windows and reductions. Package admin
changes device status and purges old samples. Package api exposes both over REST.

The broadcast transport only needs a MessagePublisher, which the embedded broker
satisfies, so samples can be republished to MQTT subscribers as well.
*/
package iot
