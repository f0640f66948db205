package corvid

// HookResult tells a hook dispatcher what to do after a handler runs. It is
// the tagged veto/continue contract the generic command and policy hook
// fan-out is built on.
type HookResult struct {
	// Stop, when true, halts iteration over the remaining handlers for this
	// hook name.
	Stop bool

	// Silent suppresses the ErrorReply below even if set; used by hooks that
	// want to veto without telling the source anything went wrong.
	Silent bool

	// ErrorReply, when Stop is true and Silent is false, names a numeric
	// reply (and its arguments) to send to the source describing why the
	// event was vetoed.
	ErrorReply *NumericReply
}

// HookFunc is one registered handler for a named hook point. args is the
// hook-specific payload; handlers that mutate shared mutable state (e.g. the
// rewritable message body in do_privmsgnotice) do so through fields on args
// itself.
type HookFunc func(args interface{}) HookResult

// HookRegistry is a name -> ordered handler list, with deterministic
// iteration order and an owner tag so a connection's hooks can be detached
// en masse when it closes (§4.C done() step 6).
type HookRegistry struct {
	handlers map[string][]hookEntry
}

type hookEntry struct {
	owner   interface{}
	handler HookFunc
}

// NewHookRegistry constructs an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{handlers: make(map[string][]hookEntry)}
}

// Register adds fn under name, owned by owner. owner is an opaque
// comparable value (typically a *Connection) used only by Detach.
func (r *HookRegistry) Register(name string, owner interface{}, fn HookFunc) {
	r.handlers[name] = append(r.handlers[name], hookEntry{owner: owner, handler: fn})
}

// Detach removes every handler owned by owner, across all hook names. This
// is step 6 of Connection.done(): a closing connection must not leave
// dangling handlers behind.
func (r *HookRegistry) Detach(owner interface{}) {
	for name, entries := range r.handlers {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.owner != owner {
				kept = append(kept, e)
			}
		}
		r.handlers[name] = kept
	}
}

// Fire runs every handler registered under name, in registration order,
// until one returns Stop=true or the list is exhausted. It returns the
// stopping result, or a zero HookResult if nothing stopped the chain.
func (r *HookRegistry) Fire(name string, args interface{}) HookResult {
	for _, e := range r.handlers[name] {
		res := e.handler(args)
		if res.Stop {
			return res
		}
	}
	return HookResult{}
}

// NumericReply names a three-digit numeric and its already-formatted
// trailing arguments, for use as a HookResult.ErrorReply.
type NumericReply struct {
	Numeric string
	Args    []string
}
