package core

type EventContext struct {
	Data struct {
		I64 [2]int64
		U64 [2]uint64
		F64 [2]float64

		U32 [4]uint32

		C [2]string
	}
}

// Resource lifecycle event codes. Applications should use codes beyond 255.
type SystemEventCode int

const (
	// A memory pool was created.
	/* Context usage:
	 * u64 capacity = data.U64[0];
	 * u32 memory type = data.U32[0];
	 * string name = data.C[0];
	 */
	EVENT_CODE_POOL_CREATED SystemEventCode = 0x01

	// A memory pool released its device memory.
	/* Context usage:
	 * string name = data.C[0];
	 */
	EVENT_CODE_POOL_DESTROYED SystemEventCode = 0x02

	// A buffer was bound to pool memory.
	/* Context usage:
	 * u64 offset = data.U64[0];
	 * u64 size = data.U64[1];
	 * u32 owner id = data.U32[0];
	 * string usage = data.C[0];
	 */
	EVENT_CODE_BUFFER_CREATED SystemEventCode = 0x03

	// A buffer returned its allocation to the pool.
	/* Context usage:
	 * u64 offset = data.U64[0];
	 * u64 size = data.U64[1];
	 * u32 owner id = data.U32[0];
	 */
	EVENT_CODE_BUFFER_RELEASED SystemEventCode = 0x04

	// A submitted recording finished executing.
	/* Context usage:
	 * u32 command count = data.U32[0];
	 * i64 latency ns = data.I64[0];
	 * string recording id = data.C[0];
	 */
	EVENT_CODE_SUBMISSION_COMPLETED SystemEventCode = 0x05

	// The native device was torn down.
	EVENT_CODE_DEVICE_DESTROYED SystemEventCode = 0x06

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

const MAX_MESSAGE_CODES = 16384

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listener interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventBus dispatches lifecycle events synchronously to registered listeners.
type EventBus struct {
	registered map[SystemEventCode][]*registeredEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		registered: make(map[SystemEventCode][]*registeredEvent),
	}
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listener/callback combos will not be registered again and will cause this to return false.
 */
func (eb *EventBus) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code < 0 || code >= MAX_MESSAGE_CODES || onEvent == nil {
		return false
	}
	for _, e := range eb.registered[code] {
		if e.listener == listener {
			LogWarn("event code %d already has this listener registered", code)
			return false
		}
	}
	eb.registered[code] = append(eb.registered[code], &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

// Unregister removes the listener for code. Returns false if it was not registered.
func (eb *EventBus) Unregister(code SystemEventCode, listener interface{}) bool {
	events := eb.registered[code]
	for i, e := range events {
		if e.listener == listener {
			eb.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the given code. If an event handler returns
 * true, the event is considered handled and is not passed on to any more listeners.
 */
func (eb *EventBus) Fire(code SystemEventCode, sender interface{}, context EventContext) bool {
	if eb == nil {
		return false
	}
	for _, e := range eb.registered[code] {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}

func (eb *EventBus) Shutdown() {
	eb.registered = make(map[SystemEventCode][]*registeredEvent)
}
