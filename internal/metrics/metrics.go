package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Network / protocol
// =============================================================================

var (
	// DatagramsReceivedTotal counts datagrams read from the controller socket
	DatagramsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_datagrams_received_total",
			Help: "Total datagrams received",
		},
	)

	// FragmentsRejectedTotal counts fragments dropped by reassembly, by reason
	FragmentsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_fragments_rejected_total",
			Help: "Fragments dropped by reassembly",
		},
		[]string{"reason"},
	)

	// FramesCompletedTotal counts fully reassembled pixel frames
	FramesCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_frames_completed_total",
			Help: "Pixel frames fully reassembled",
		},
	)

	// MessagesSentTotal counts outbound messages by type and outcome
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_messages_sent_total",
			Help: "Outbound messages by type and status",
		},
		[]string{"type", "status"},
	)

	// LivenessTimeoutsTotal counts receive windows that elapsed without traffic
	LivenessTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_liveness_timeouts_total",
			Help: "Liveness windows elapsed without a datagram",
		},
	)

	// TransportErrorsTotal counts socket receive failures
	TransportErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_transport_errors_total",
			Help: "Network receive errors",
		},
	)

	// LinkUp is 1 while the node holds a bound socket on an up interface
	LinkUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brain_link_up",
			Help: "Whether the network link is up",
		},
	)
)

// =============================================================================
// Output
// =============================================================================

var (
	// HandoffDroppedTotal counts completed frames overwritten before output
	HandoffDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_handoff_dropped_total",
			Help: "Completed frames coalesced away before reaching the LEDs",
		},
	)

	// OutputFramesTotal counts frames written to the LED transport
	OutputFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_output_frames_total",
			Help: "Frames written to the LED driver",
		},
	)

	// OutputWriteErrorsTotal counts LED driver write failures
	OutputWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_output_write_errors_total",
			Help: "LED driver write failures",
		},
	)

	// OutputTickSeconds measures one output tick (take, dither, write)
	OutputTickSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brain_output_tick_seconds",
			Help:    "Duration of an output tick",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05},
		},
	)

	// PowerLimitedFramesTotal counts frames scaled down by the power limiter
	PowerLimitedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_power_limited_frames_total",
			Help: "Frames scaled down by the power limiter",
		},
	)
)

// =============================================================================
// Firmware update
// =============================================================================

var (
	// FirmwareUpdatesTotal counts update attempts by result
	FirmwareUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_firmware_updates_total",
			Help: "Firmware update attempts by result",
		},
		[]string{"result"},
	)

	// FirmwareBytesTotal counts firmware bytes downloaded
	FirmwareBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_firmware_bytes_total",
			Help: "Firmware bytes downloaded",
		},
	)
)
