package postgres

// SQL for the transition engine tables. Every conditional write reports success
// through RowsAffected so callers can tell "applied" from "lost the race".

const (
	querySelectSnapshot = `
		SELECT last_state, seen_bits, seen_states, last_event_ts, terminal_state
		FROM transition_snapshots
		WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4
	`

	// queryInsertSnapshot creates the first snapshot of an object.
	// ON CONFLICT DO NOTHING affects zero rows when another writer got there first.
	queryInsertSnapshot = `
		INSERT INTO transition_snapshots (
			service_id, object_type, object_id, attribute,
			last_state, seen_bits, seen_states, last_event_ts, terminal_state, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (service_id, object_type, object_id, attribute) DO NOTHING
	`

	// queryUpdateSnapshot is a compare-and-swap on the previous last_event_ts.
	queryUpdateSnapshot = `
		UPDATE transition_snapshots
		SET last_state = $5, seen_bits = $6, seen_states = $7,
		    last_event_ts = $8, terminal_state = $9, updated_at = NOW()
		WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4
		  AND last_event_ts = $10
	`

	queryFindIdleSnapshots = `
		SELECT object_id, last_state, seen_bits, seen_states, last_event_ts, terminal_state
		FROM transition_snapshots
		WHERE service_id = $1 AND object_type = $2 AND attribute = $3
		  AND last_event_ts <= $4
		  AND ($5 OR terminal_state IS NULL)
		  AND ($7 = '' OR last_state <> $7)
		ORDER BY last_event_ts ASC, object_id ASC
		LIMIT $6
	`

	queryLoadStateCodes = `
		SELECT service_id, object_type, attribute, state, code
		FROM state_codes
	`

	queryLoadScopeStateCodes = `
		SELECT service_id, object_type, attribute, state, code
		FROM state_codes
		WHERE service_id = $1 AND object_type = $2 AND attribute = $3
	`

	querySelectStateCode = `
		SELECT code FROM state_codes
		WHERE service_id = $1 AND object_type = $2 AND attribute = $3 AND state = $4
	`

	// queryAllocateStateCode takes the next free code in the scope.
	// Two writers racing for different states collide on the (scope, code) unique
	// constraint and the loser retries.
	queryAllocateStateCode = `
		INSERT INTO state_codes (service_id, object_type, attribute, state, code)
		SELECT $1::text, $2::text, $3::text, $4::text, COALESCE(MAX(code) + 1, 0)
		FROM state_codes
		WHERE service_id = $1 AND object_type = $2 AND attribute = $3
		ON CONFLICT (service_id, object_type, attribute, state) DO NOTHING
		RETURNING code
	`

	queryInsertPostingDedup = `
		INSERT INTO posting_dedup (posting_id, source_event_id)
		VALUES ($1, $2)
		ON CONFLICT (posting_id) DO NOTHING
	`

	queryUpsertRollup = `
		INSERT INTO transition_rollups (
			bucket_start, granularity, service_id, object_type, attribute,
			counter_name, from_state, to_state, value, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (bucket_start, granularity, service_id, object_type, attribute, counter_name, from_state, to_state)
		DO UPDATE SET
			value      = transition_rollups.value + EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`

	// queryInsertSyntheticIfUnchanged inserts only while the snapshot still carries the
	// last_event_ts observed at candidate selection.
	queryInsertSyntheticIfUnchanged = `
		INSERT INTO synthetic_terminal_events (
			synthetic_event_id, service_id, object_type, object_id, attribute,
			rule_id, synthetic_ts, synthetic_state, emit_service_id, reason, origin, status,
			last_event_ts, last_state, prior_terminal_state, seen_state_added
		)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text,
		       $6::text, $7::timestamptz, $8::text, $9::text, $10::text, $11::text, $12::text,
		       $13::timestamptz, $14::text, $15::text, $16::boolean
		WHERE EXISTS (
			SELECT 1 FROM transition_snapshots
			WHERE service_id = $2 AND object_type = $3 AND object_id = $4 AND attribute = $5
			  AND last_event_ts = $17
		)
		ON CONFLICT DO NOTHING
	`

	queryRecordFootprint = `
		UPDATE synthetic_terminal_events
		SET transition_footprint = $2::jsonb, seen_state_added = $3
		WHERE synthetic_event_id = $1
	`

	queryListActiveSynthetic = `
		SELECT
			synthetic_event_id, rule_id, synthetic_ts, synthetic_state, emit_service_id,
			reason, origin, status, last_event_ts, last_state, prior_terminal_state,
			seen_state_added, transition_footprint
		FROM synthetic_terminal_events
		WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4
		  AND status = 'ACTIVE'
		ORDER BY synthetic_ts DESC
	`

	// queryListUnsettledSynthetic also returns SUPERSEDED records whose reversal was
	// interrupted, so a retried event can finish the handoff.
	queryListUnsettledSynthetic = `
		SELECT
			synthetic_event_id, rule_id, synthetic_ts, synthetic_state, emit_service_id,
			reason, origin, status, last_event_ts, last_state, prior_terminal_state,
			seen_state_added, transition_footprint
		FROM synthetic_terminal_events
		WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4
		  AND (status = 'ACTIVE' OR reversed_at IS NULL)
		ORDER BY synthetic_ts DESC
	`

	// queryMarkSuperseded flips ACTIVE to SUPERSEDED at most once per record.
	queryMarkSuperseded = `
		UPDATE synthetic_terminal_events
		SET status = 'SUPERSEDED', superseded_by_event_id = $2, superseded_at = $3
		WHERE synthetic_event_id = $1 AND status = 'ACTIVE'
	`

	// queryRetireSynthetic supersedes a record that never reached the snapshot.
	// There is nothing to reverse, so reversed_at is stamped in the same write.
	queryRetireSynthetic = `
		UPDATE synthetic_terminal_events
		SET status = 'SUPERSEDED', superseded_by_event_id = $2, superseded_at = $3, reversed_at = $3
		WHERE synthetic_event_id = $1 AND status = 'ACTIVE'
	`

	querySyntheticExists = `SELECT EXISTS (SELECT 1 FROM synthetic_terminal_events WHERE synthetic_event_id = $1)`

	queryMarkReversed = `
		UPDATE synthetic_terminal_events
		SET reversed_at = $2
		WHERE synthetic_event_id = $1
	`

	queryTableExists = `SELECT to_regclass($1) IS NOT NULL`
)
