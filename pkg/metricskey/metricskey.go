package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsServerConnectSucceeded is base for counter metric for established tool server sessions
	StatsServerConnectSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connect_succeeded",
		Help:         "stats_server_connect_succeeded provides total tool server sessions established",
		RequiredTags: []string{"server"},
	}

	StatsServerConnectFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connect_failed",
		Help:         "stats_server_connect_failed provides total tool server connection failures",
		RequiredTags: []string{"server"},
	}

	StatsToolDiscoveryFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_discovery_failed",
		Help:         "stats_tool_discovery_failed provides total failed tool list requests",
		RequiredTags: []string{"server"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls that could not be routed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsTimedOut = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_timed_out",
		Help:         "stats_tool_calls_timed_out provides total tool calls abandoned on timeout",
		RequiredTags: []string{"tool"},
	}

	StatsModelCalls = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_model_calls",
		Help:         "stats_model_calls provides total model capability calls",
		RequiredTags: []string{"status"},
	}

	StatsConversations = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_conversations",
		Help:         "stats_conversations provides total conversations by terminal state",
		RequiredTags: []string{"state"},
	}
)

// Perf
var (
	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfModelCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_model_call",
		Help:         "perf_model_call provides duration of model capability call",
		RequiredTags: []string{"status"},
	}

	PerfConversation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_conversation",
		Help:         "perf_conversation provides duration of a conversation run",
		RequiredTags: []string{"state"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfConversation,
	&PerfModelCall,
	&PerfToolCall,
	&StatsConversations,
	&StatsModelCalls,
	&StatsServerConnectFailed,
	&StatsServerConnectSucceeded,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
	&StatsToolCallsTimedOut,
	&StatsToolDiscoveryFailed,
}
