package stride

// Prompt-cache markers are written for every provider dialect at once;
// adapters that speak only one strip the others.
var cacheControlProviders = []string{"anthropic", "openrouter", "openai_compat"}

const cacheControlKey = "cache_control"

func cacheControlValue() map[string]any {
	return map[string]any{"type": "ephemeral"}
}

// WithCacheControl returns a copy of the message marked cacheable at message
// level for all supported provider dialects.
func (m Message) WithCacheControl() Message {
	out := m.Clone()
	out.ProviderOptions = setCacheControl(out.ProviderOptions)
	return out
}

// WithoutCacheControl returns a copy of the message with every cache marker
// removed, message level and part level, pruning emptied option maps.
func (m Message) WithoutCacheControl() Message {
	out := m.Clone()
	out.ProviderOptions = clearCacheControl(out.ProviderOptions)
	for i := range out.Parts {
		out.Parts[i].ProviderOptions = clearCacheControl(out.Parts[i].ProviderOptions)
	}
	return out
}

func setCacheControl(po ProviderOptions) ProviderOptions {
	if po == nil {
		po = make(ProviderOptions, len(cacheControlProviders))
	}
	for _, provider := range cacheControlProviders {
		if po[provider] == nil {
			po[provider] = make(map[string]any, 1)
		}
		po[provider][cacheControlKey] = cacheControlValue()
	}
	return po
}

func clearCacheControl(po ProviderOptions) ProviderOptions {
	if po == nil {
		return nil
	}
	for _, provider := range cacheControlProviders {
		if kv, ok := po[provider]; ok {
			delete(kv, cacheControlKey)
			if len(kv) == 0 {
				delete(po, provider)
			}
		}
	}
	if len(po) == 0 {
		return nil
	}
	return po
}

// nonTrivialPart reports whether a part is worth anchoring a cache marker on:
// any non-text part, or text longer than one character.
func nonTrivialPart(p Part) bool {
	if p.Kind != PartText {
		return true
	}
	return len([]rune(p.Text)) > 1
}

// AnnotateCacheControl marks at most four messages of the composed list as
// cacheable: the message before the last one tagged LAST_ASSISTANT_MESSAGE,
// the message before the last USER_PROMPT, the message before the last
// STEP_PROMPT, and the last message overall. The marker lands on the last
// non-trivial content part; single-string system messages are marked at
// message level. Existing markers are stripped first, so the function is
// idempotent and the output never carries more than four markers. The input
// is not mutated.
func AnnotateCacheControl(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.WithoutCacheControl()
	}

	anchors := make(map[int]struct{}, 4)
	addAnchor := func(i int) {
		if i >= 0 && i < len(out) {
			anchors[i] = struct{}{}
		}
	}
	addAnchor(lastTagged(out, TagLastAssistant) - 1)
	addAnchor(lastTagged(out, TagUserPrompt) - 1)
	addAnchor(lastTagged(out, TagStepPrompt) - 1)
	addAnchor(len(out) - 1)

	for i := range anchors {
		markCacheable(&out[i])
	}
	return out
}

// lastTagged returns the index of the last message carrying tag, or -1.
func lastTagged(msgs []Message, tag string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].HasTag(tag) {
			return i
		}
	}
	return -1
}

func markCacheable(m *Message) {
	if m.Role == RoleSystem && len(m.Parts) == 1 && m.Parts[0].Kind == PartText {
		m.ProviderOptions = setCacheControl(m.ProviderOptions)
		return
	}
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if nonTrivialPart(m.Parts[i]) {
			m.Parts[i].ProviderOptions = setCacheControl(m.Parts[i].ProviderOptions)
			return
		}
	}
	m.ProviderOptions = setCacheControl(m.ProviderOptions)
}

// CacheMarkerCount counts messages carrying at least one cache marker, at
// message or part level.
func CacheMarkerCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if hasCacheControl(m.ProviderOptions) {
			n++
			continue
		}
		for _, p := range m.Parts {
			if hasCacheControl(p.ProviderOptions) {
				n++
				break
			}
		}
	}
	return n
}

func hasCacheControl(po ProviderOptions) bool {
	for _, provider := range cacheControlProviders {
		if kv, ok := po[provider]; ok {
			if _, ok := kv[cacheControlKey]; ok {
				return true
			}
		}
	}
	return false
}
