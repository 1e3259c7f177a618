package sqlite

// activityAddressing joins an ActivityPub activity's "to" lists (activity and
// object) as JSON text. Mastodon statuses have neither.
const activityAddressing = `(coalesce(json_extract(json, '$.to'), '') || ' ' || coalesce(json_extract(json, '$.object.to'), ''))`

// schema is applied in order on every open; each statement is idempotent.
// Derived post columns are VIRTUAL generated columns over the verbatim
// payload so they can never drift from it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS statuses (
		id TEXT NOT NULL PRIMARY KEY,
		json TEXT NOT NULL,
		ingested_at TEXT NOT NULL,

		visibility TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.visibility'),
			CASE WHEN ` + activityAddressing + ` GLOB '*activitystreams#Public*'
				OR ` + activityAddressing + ` GLOB '*as:Public*'
				OR ` + activityAddressing + ` GLOB '*"Public"*'
			THEN 'public' END
		)) VIRTUAL,
		url TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.object.url'),
			json_extract(json, '$.url')
		)) VIRTUAL,
		summary TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.object.summary'),
			json_extract(json, '$.spoiler_text')
		)) VIRTUAL,
		content TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.object.content'),
			json_extract(json, '$.content')
		)) VIRTUAL,
		published_at TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.created_at'),
			json_extract(json, '$.object.published'),
			json_extract(json, '$.published')
		)) VIRTUAL,
		account_acct TEXT GENERATED ALWAYS AS (json_extract(json, '$.account.acct')) VIRTUAL,
		account_url TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.account.url'),
			json_extract(json, '$.actor')
		)) VIRTUAL,
		account_name TEXT GENERATED ALWAYS AS (json_extract(json, '$.account.display_name')) VIRTUAL,
		account_avatar_url TEXT GENERATED ALWAYS AS (json_extract(json, '$.account.avatar')) VIRTUAL,
		in_reply_to_id TEXT GENERATED ALWAYS AS (coalesce(
			json_extract(json, '$.in_reply_to_id'),
			json_extract(json, '$.object.inReplyTo')
		)) VIRTUAL
	)`,
	`CREATE INDEX IF NOT EXISTS statuses_ingested_at_index ON statuses (ingested_at)`,
	`CREATE INDEX IF NOT EXISTS statuses_published_at_index ON statuses (published_at)`,
	`CREATE INDEX IF NOT EXISTS statuses_account_url_index ON statuses (account_url)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS statuses_search USING fts5(
		id UNINDEXED,
		summary,
		content
	)`,
	`CREATE TRIGGER IF NOT EXISTS statuses_insert AFTER INSERT ON statuses BEGIN
		INSERT INTO statuses_search (id, summary, content)
		VALUES (new.id, new.summary, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS statuses_delete AFTER DELETE ON statuses BEGIN
		DELETE FROM statuses_search WHERE id = old.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS statuses_update AFTER UPDATE ON statuses BEGIN
		UPDATE statuses_search
		SET summary = new.summary, content = new.content
		WHERE id = new.id;
	END`,

	`CREATE TABLE IF NOT EXISTS links (
		status_id TEXT NOT NULL,
		normalized TEXT NOT NULL,
		json TEXT NOT NULL,
		seen_at TEXT NOT NULL,

		href TEXT GENERATED ALWAYS AS (json_extract(json, '$.href')) VIRTUAL,
		account_url TEXT GENERATED ALWAYS AS (json_extract(json, '$.accountUrl')) VIRTUAL,
		shortened INTEGER GENERATED ALWAYS AS (coalesce(json_extract(json, '$.shortened'), 0)) VIRTUAL,
		unshortened INTEGER GENERATED ALWAYS AS (coalesce(json_extract(json, '$.unshortened'), 0)) VIRTUAL,
		unshorten_failed INTEGER GENERATED ALWAYS AS (coalesce(json_extract(json, '$.unshortenFailed'), 0)) VIRTUAL,
		params_stripped INTEGER GENERATED ALWAYS AS (coalesce(json_extract(json, '$.paramsStripped'), 0)) VIRTUAL,

		PRIMARY KEY (status_id, normalized)
	)`,
	`CREATE INDEX IF NOT EXISTS links_normalized_index ON links (normalized)`,
	`CREATE INDEX IF NOT EXISTS links_seen_at_index ON links (seen_at)`,
}
