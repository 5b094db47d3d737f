// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package wire

// Command tags sent by the client.
const (
	CmdGetServerStatus       = "get_server_status"
	CmdGetServerStats        = "get_server_stats"
	CmdGetInstalledSFD       = "get_installed_sfd"
	CmdGetWatchableList      = "get_watchable_list"
	CmdSubscribeWatchable    = "subscribe_watchable"
	CmdUnsubscribeWatchable  = "unsubscribe_watchable"
	CmdWriteWatchable        = "write_watchable"
	CmdReadMemory            = "read_memory"
	CmdWriteMemory           = "write_memory"
	CmdRequestDatalogAcquire = "request_datalogging_acquisition"
)

// Command tags sent by the server.
const (
	CmdWelcome                = "welcome"
	CmdInformServerStatus     = "inform_server_status"
	CmdWatchableUpdate        = "watchable_update"
	CmdSubscribeResponse      = "response_subscribe_watchable"
	CmdUnsubscribeResponse    = "response_unsubscribe_watchable"
	CmdWriteResponse          = "response_write_watchable"
	CmdInformWriteCompletion  = "inform_write_completion"
	CmdWatchableListResponse  = "response_get_watchable_list"
	CmdReadMemoryResponse     = "response_read_memory"
	CmdWriteMemoryResponse    = "response_write_memory"
	CmdInformMemoryReadDone   = "inform_memory_read_complete"
	CmdInformMemoryWriteDone  = "inform_memory_write_complete"
	CmdDatalogAcquireResponse = "response_request_datalogging_acquisition"
	CmdInformDatalogComplete  = "inform_datalogging_acquisition_complete"
	CmdInformDatalogListChg   = "inform_datalogging_list_changed"
	CmdServerStatsResponse    = "response_get_server_stats"
	CmdInstalledSFDResponse   = "response_get_installed_sfd"
	CmdError                  = "error"
)
