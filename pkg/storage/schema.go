package storage

// CoreMigrations returns the migrations of the core tables. Application
// modules append their own sets with versions of 100 and above.
func CoreMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users, groups and memberships",
			SQL: `
				CREATE TABLE core_user (
					id {{serial}},
					login TEXT NOT NULL UNIQUE,
					password_hash TEXT,
					name TEXT,
					surname TEXT,
					email TEXT UNIQUE,
					phone TEXT,
					is_locked BOOLEAN NOT NULL DEFAULT FALSE,
					is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
					is_support BOOLEAN NOT NULL DEFAULT FALSE,
					avatar TEXT,
					unix_group TEXT UNIQUE,
					home_dir TEXT,
					activation_code_hash TEXT,
					activation_code_expiry {{timestamp}}
				);
				CREATE UNIQUE INDEX core_user_single_support ON core_user(is_support) WHERE is_support;

				CREATE TABLE core_group (
					id {{serial}},
					name TEXT NOT NULL UNIQUE
				);

				CREATE TABLE core_group_user (
					id {{serial}},
					group_id BIGINT NOT NULL REFERENCES core_group(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES core_user(id) ON DELETE CASCADE,
					is_governor BOOLEAN NOT NULL DEFAULT FALSE,
					UNIQUE(group_id, user_id)
				);
				CREATE UNIQUE INDEX core_group_user_single_governor ON core_group_user(group_id) WHERE is_governor;
				CREATE INDEX core_group_user_user ON core_group_user(user_id);
			`,
		},
		{
			Version:     2,
			Description: "Create projects, access levels and permissions",
			SQL: `
				CREATE TABLE core_project (
					id {{serial}},
					alias TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL UNIQUE,
					description TEXT,
					avatar TEXT,
					root_group_id BIGINT NOT NULL REFERENCES core_group(id) ON DELETE RESTRICT,
					unix_group TEXT UNIQUE,
					project_dir TEXT
				);

				CREATE TABLE core_access_level (
					id {{serial}},
					type TEXT NOT NULL,
					alias TEXT NOT NULL,
					name TEXT NOT NULL,
					rank INT NOT NULL,
					UNIQUE(type, alias)
				);

				CREATE TABLE core_project_permission (
					id {{serial}},
					group_id BIGINT NOT NULL REFERENCES core_group(id) ON DELETE CASCADE,
					project_id BIGINT NOT NULL REFERENCES core_project(id) ON DELETE CASCADE,
					access_level_id BIGINT NOT NULL REFERENCES core_access_level(id),
					UNIQUE(group_id, project_id)
				);
				CREATE INDEX core_project_permission_project ON core_project_permission(project_id);
			`,
		},
		{
			Version:     3,
			Description: "Create module registry",
			SQL: `
				CREATE TABLE core_module (
					id {{serial}},
					uuid TEXT NOT NULL UNIQUE,
					parent_entry_point_id BIGINT,
					alias TEXT NOT NULL,
					name TEXT NOT NULL,
					html TEXT,
					app_class TEXT NOT NULL UNIQUE,
					user_settings {{json}} NOT NULL,
					is_application BOOLEAN NOT NULL DEFAULT FALSE,
					is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
					in_select BOOLEAN NOT NULL DEFAULT FALSE,
					UNIQUE(parent_entry_point_id, alias)
				);
				CREATE UNIQUE INDEX core_module_select_exclusive ON core_module(parent_entry_point_id) WHERE is_enabled AND in_select;

				CREATE TABLE core_entry_point (
					id {{serial}},
					alias TEXT NOT NULL,
					name TEXT NOT NULL,
					type TEXT NOT NULL,
					belonging_module_id BIGINT NOT NULL REFERENCES core_module(id) ON DELETE CASCADE,
					UNIQUE(belonging_module_id, alias)
				);

				CREATE TABLE core_app_permission (
					id {{serial}},
					group_id BIGINT NOT NULL REFERENCES core_group(id) ON DELETE CASCADE,
					project_id BIGINT NOT NULL REFERENCES core_project(id) ON DELETE CASCADE,
					application_id BIGINT NOT NULL REFERENCES core_module(id) ON DELETE CASCADE,
					access_level_id BIGINT NOT NULL REFERENCES core_access_level(id),
					UNIQUE(group_id, project_id, application_id)
				);
			`,
			PostgresSQL: `
				ALTER TABLE core_module ADD CONSTRAINT core_module_parent_fk
					FOREIGN KEY (parent_entry_point_id) REFERENCES core_entry_point(id) ON DELETE CASCADE;
			`,
		},
		{
			Version:     4,
			Description: "Create authentications and external accounts",
			SQL: `
				CREATE TABLE core_authentication (
					id {{serial}},
					token_hash TEXT NOT NULL UNIQUE,
					user_id BIGINT NOT NULL REFERENCES core_user(id) ON DELETE CASCADE,
					module_id BIGINT REFERENCES core_module(id) ON DELETE CASCADE,
					expires_at {{timestamp}} NOT NULL,
					created_at {{timestamp}} NOT NULL
				);
				CREATE INDEX core_authentication_user ON core_authentication(user_id, module_id);

				CREATE TABLE core_external_account (
					id {{serial}},
					module_id BIGINT NOT NULL REFERENCES core_module(id) ON DELETE CASCADE,
					external_id TEXT NOT NULL,
					user_id BIGINT NOT NULL REFERENCES core_user(id) ON DELETE CASCADE,
					UNIQUE(module_id, external_id),
					UNIQUE(module_id, user_id)
				);

				CREATE TABLE core_external_token (
					id {{serial}},
					authentication_id BIGINT NOT NULL UNIQUE REFERENCES core_authentication(id) ON DELETE CASCADE,
					access_token TEXT NOT NULL,
					refresh_token TEXT,
					token_type TEXT,
					expires_at {{timestamp}}
				);

				CREATE TABLE core_external_session (
					id {{serial}},
					module_id BIGINT NOT NULL REFERENCES core_module(id) ON DELETE CASCADE,
					nonce TEXT NOT NULL UNIQUE,
					created_at {{timestamp}} NOT NULL,
					expires_at {{timestamp}} NOT NULL
				);
			`,
		},
		{
			Version:     5,
			Description: "Create request logs",
			SQL: `
				CREATE TABLE core_log (
					id {{serial}},
					request_date {{timestamp}} NOT NULL,
					log_address TEXT NOT NULL,
					request_method TEXT NOT NULL,
					request_body TEXT,
					user_id BIGINT REFERENCES core_user(id) ON DELETE SET NULL,
					ip_address TEXT,
					response_status INT,
					response_body TEXT
				);
				CREATE INDEX core_log_request_date ON core_log(request_date);

				CREATE TABLE core_log_record (
					id {{serial}},
					log_id BIGINT NOT NULL REFERENCES core_log(id) ON DELETE CASCADE,
					record_time {{timestamp}} NOT NULL,
					level TEXT NOT NULL,
					message TEXT NOT NULL
				);
				CREATE INDEX core_log_record_log ON core_log_record(log_id);
			`,
		},
		{
			Version:     6,
			Description: "Create deferred commands and health samples",
			SQL: `
				CREATE TABLE core_deferred_command (
					id {{serial}},
					action TEXT NOT NULL,
					action_args {{json}} NOT NULL,
					method TEXT NOT NULL,
					method_args {{json}} NOT NULL,
					status TEXT NOT NULL,
					log_id BIGINT REFERENCES core_log(id) ON DELETE SET NULL,
					error TEXT,
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL
				);
				CREATE INDEX core_deferred_command_status ON core_deferred_command(status, created_at);

				CREATE TABLE core_health_sample (
					id {{serial}},
					sampled_at {{timestamp}} NOT NULL,
					cpu_load DOUBLE PRECISION NOT NULL,
					ram_free BIGINT NOT NULL,
					swap_free BIGINT NOT NULL,
					disk_free {{json}} NOT NULL,
					net_bytes_in BIGINT NOT NULL,
					net_bytes_out BIGINT NOT NULL,
					temperatures {{json}} NOT NULL
				);
				CREATE INDEX core_health_sample_time ON core_health_sample(sampled_at);
			`,
		},
	}
}
