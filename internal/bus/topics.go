package bus

// Topics consumed by the script runtime from external workers.
const (
	TopicValueChanged       = "VALUE_CHANGED"
	TopicClientConnected    = "CLIENT_CONNECTED"
	TopicClientDisconnected = "CLIENT_DISCONNECTED"
	TopicWriteFinished      = "WRITE_FINISHED"
	TopicWriteError         = "WRITE_ERROR"
	TopicError              = "ERROR"
	TopicModalResponse      = "MODAL_RESPONSE"
	TopicViewCmdWildcard    = "view.cmd.*"
)

// Topics published by the script runtime.
const (
	TopicListScripts      = "LIST_SCRIPTS"
	TopicListChains       = "LIST_CHAINS"
	TopicUpdateChainState = "UPDATE_CHAIN_STATE"
	TopicUpdateLog        = "UPDATE_LOG"
	TopicModalRequest     = "MODAL_REQUEST"
	TopicModalClose       = "MODAL_CLOSE"
)

// CoreSubscriptionTopics is the set of exact + wildcard topics the
// runtime subscribes to at startup.
func CoreSubscriptionTopics() []string {
	return []string{
		TopicValueChanged,
		TopicClientConnected,
		TopicClientDisconnected,
		TopicWriteFinished,
		TopicWriteError,
		TopicError,
		TopicModalResponse,
		TopicViewCmdWildcard,
	}
}
