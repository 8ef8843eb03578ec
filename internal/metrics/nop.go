package metrics

import "time"

// NopMetrics discards everything. Used in tests and when metrics are off.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements Recorder.
var _ Recorder = (*NopMetrics)(nil)

// NewNop creates a new no-op recorder.
func NewNop() *NopMetrics { return &NopMetrics{} }

func (n *NopMetrics) PublishReceived(string)                          {}
func (n *NopMetrics) FetchCompleted(string, time.Duration)            {}
func (n *NopMetrics) DeltaEnqueued(int)                               {}
func (n *NopMetrics) VerificationCompleted(string, string)            {}
func (n *NopMetrics) DeliveryAttempted(string, string, time.Duration) {}
func (n *NopMetrics) DeliveryAbandoned()                              {}
func (n *NopMetrics) BigSubscriberPending(int)                        {}
func (n *NopMetrics) LeaseContention(string)                          {}
func (n *NopMetrics) ObserveEnqueue(string, bool)                     {}
func (n *NopMetrics) ObserveDeadLetter(string)                        {}
func (n *NopMetrics) ObserveWrite(time.Duration, int)                 {}
func (n *NopMetrics) ObserveRead(time.Duration, int)                  {}
func (n *NopMetrics) ObserveBatchCommit(time.Duration, int, int)      {}
