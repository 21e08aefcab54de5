package gateway

// buildCommands 注册全部命令
// adminOnly 的命令仅接受管理密钥；其余命令对组密钥可见，范围在处理函数内裁剪
func (g *Gateway) buildCommands() map[string]command {
	list := []command{
		// 租户
		{name: "list_tenants", description: "List tenants visible to the key", handler: g.cmdListTenants},
		{name: "get_tenant_detail", description: "Get one tenant", handler: g.cmdGetTenantDetail},
		{name: "add_tenant", description: "Register a tenant", adminOnly: true, handler: g.cmdAddTenant},
		{name: "update_tenant_meta", description: "Update tenant metadata", adminOnly: true, handler: g.cmdUpdateTenantMeta},
		{name: "remove_tenant", description: "Remove a tenant and cascade", adminOnly: true, handler: g.cmdRemoveTenant},
		{name: "reorder_tenants", description: "Reorder tenants", adminOnly: true, handler: g.cmdReorderTenants},
		{name: "refresh_tenant_token", description: "Force refresh tenant access token", adminOnly: true, handler: g.cmdRefreshTenantToken},

		// 分组
		{name: "list_groups", description: "List groups", adminOnly: true, handler: g.cmdListGroups},
		{name: "add_group", description: "Create a group with a fresh API key", adminOnly: true, handler: g.cmdAddGroup},
		{name: "update_group", description: "Update a group", adminOnly: true, handler: g.cmdUpdateGroup},
		{name: "delete_group", description: "Delete a group", adminOnly: true, handler: g.cmdDeleteGroup},
		{name: "regenerate_group_key", description: "Rotate a group API key", adminOnly: true, handler: g.cmdRegenerateGroupKey},

		// 浏览
		{name: "list_root_entries", description: "List the federated root", handler: g.cmdListRootEntries},
		{name: "list_folder_entries", description: "List one folder", handler: g.cmdListFolderEntries},
		{name: "search_entries", description: "Search by name under a tenant root", handler: g.cmdSearchEntries},

		// 文件操作
		{name: "create_folder", description: "Create a remote folder", handler: g.cmdCreateFolder},
		{name: "delete_file", description: "Delete a remote entry", handler: g.cmdDeleteFile},
		{name: "move_file", description: "Move a remote entry", handler: g.cmdMoveFile},
		{name: "copy_file", description: "Copy a remote entry", handler: g.cmdCopyFile},
		{name: "rename_file", description: "Rename a remote entry", handler: g.cmdRenameFile},

		// 传输
		{name: "upload_file", description: "Enqueue a file upload", handler: g.cmdUploadFile},
		{name: "upload_folder", description: "Enqueue a folder upload", handler: g.cmdUploadFolder},
		{name: "download_file", description: "Enqueue a file download", handler: g.cmdDownloadFile},
		{name: "download_folder", description: "Enqueue a folder download", handler: g.cmdDownloadFolder},
		{name: "list_transfer_tasks", description: "List transfers with live speed", handler: g.cmdListTransfers},
		{name: "pause_active_transfer", description: "Pause a transfer at the next block boundary", handler: g.cmdPauseTransfer},
		{name: "resume_transfer_task", description: "Resume a paused transfer", handler: g.cmdResumeTransfer},
		{name: "cancel_transfer_task", description: "Cancel a transfer", handler: g.cmdCancelTransfer},
		{name: "restart_transfer_task", description: "Restart a failed transfer", handler: g.cmdRestartTransfer},
		{name: "delete_transfer_task", description: "Delete a transfer record", handler: g.cmdDeleteTransfer},
		{name: "clear_transfer_history", description: "Clear terminal transfer records", handler: g.cmdClearTransferHistory},

		// 同步任务
		{name: "list_sync_tasks", description: "List sync tasks", adminOnly: true, handler: g.cmdListSyncTasks},
		{name: "create_sync_task", description: "Create a sync task", adminOnly: true, handler: g.cmdCreateSyncTask},
		{name: "update_sync_task", description: "Update a sync task", adminOnly: true, handler: g.cmdUpdateSyncTask},
		{name: "delete_sync_task", description: "Delete a sync task", adminOnly: true, handler: g.cmdDeleteSyncTask},
		{name: "trigger_sync_task", description: "Run a sync task now", adminOnly: true, handler: g.cmdTriggerSyncTask},
		{name: "list_sync_logs", description: "Read sync logs for a task", adminOnly: true, handler: g.cmdListSyncLogs},

		// 服务
		{name: "get_api_service_config", description: "Read listener config", adminOnly: true, handler: g.cmdGetServiceConfig},
		{name: "update_api_service_config", description: "Update listener config", adminOnly: true, handler: g.cmdUpdateServiceConfig},
		{name: "start_api_service", description: "Start the listener", adminOnly: true, handler: g.cmdStartService},
		{name: "stop_api_service", description: "Stop the listener gracefully", adminOnly: true, handler: g.cmdStopService},
		{name: "get_api_key", description: "Reveal the admin key", adminOnly: true, handler: g.cmdGetAPIKey},
		{name: "update_api_key", description: "Rotate the admin key", adminOnly: true, handler: g.cmdUpdateAPIKey},
		{name: "get_log_config", description: "Read audit log config", adminOnly: true, handler: g.cmdGetLogConfig},
		{name: "update_log_config", description: "Update audit log config", adminOnly: true, handler: g.cmdUpdateLogConfig},
		{name: "list_api_logs", description: "Filtered audit log query", adminOnly: true, handler: g.cmdListAPILogs},
		{name: "service_status", description: "Engine and host status", adminOnly: true, handler: g.cmdServiceStatus},
	}

	out := make(map[string]command, len(list))
	for _, cmd := range list {
		out[cmd.name] = cmd
	}
	return out
}
