package metrics

type NoopMetrics struct{}

func (n NoopMetrics) RecordInfo(version string) {}

func (n NoopMetrics) RecordUp() {}

func (n NoopMetrics) RecordCacheGet(fork string, store string, hit bool) {}

func (n NoopMetrics) RecordCacheEviction(fork string, store string) {}

func (n NoopMetrics) RecordRemoteCall(fork string, method string) (onDone func(err error)) {
	return func(err error) {}
}

func (n NoopMetrics) RecordPassthrough(fork string, method string) {}

func (n NoopMetrics) RecordSnapshotOp(fork string, op string) {}

func (n NoopMetrics) RecordHeadAdvance(fork string, head uint64) {}

var _ Metricer = NoopMetrics{}
