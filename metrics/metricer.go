package metrics

type Metricer interface {
	RecordInfo(version string)
	RecordUp()

	// RecordCacheGet counts a lookup against one of a fork's state/block
	// caches, labeled by hit or miss.
	RecordCacheGet(fork string, store string, hit bool)
	// RecordCacheEviction counts a capacity eviction from a fork cache.
	RecordCacheEviction(fork string, store string)
	// RecordRemoteCall times a call to the remote source; invoke the
	// returned closure when the call completes.
	RecordRemoteCall(fork string, method string) (onDone func(err error))
	// RecordPassthrough counts a request forwarded verbatim to the remote.
	RecordPassthrough(fork string, method string)
	// RecordSnapshotOp counts snapshot lifecycle operations (take/revert).
	RecordSnapshotOp(fork string, op string)
	// RecordHeadAdvance tracks the local head of a fork after test-mining.
	RecordHeadAdvance(fork string, head uint64)
}
