package store

// schema holds the full DDL. Projections can be dropped and rebuilt from the
// events table at any time; nothing here is a source of truth except events.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    event_id       TEXT PRIMARY KEY,
    occurred_at    TIMESTAMPTZ NOT NULL,
    received_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    source         TEXT NOT NULL,
    subject_kind   TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    payload        JSONB NOT NULL DEFAULT '{}',
    correlation_id TEXT,
    causation_id   TEXT,
    forwarded      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_events_unforwarded
    ON events (received_at, event_id) WHERE NOT forwarded;
CREATE INDEX IF NOT EXISTS idx_events_subject
    ON events (subject_kind, subject_id, received_at);

CREATE TABLE IF NOT EXISTS subjects (
    kind         TEXT NOT NULL,
    id           TEXT NOT NULL,
    display_name TEXT,
    visibility   TEXT NOT NULL DEFAULT 'public',
    meta         JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS links (
    subject_id    TEXT PRIMARY KEY,
    url           TEXT NOT NULL,
    url_norm      TEXT NOT NULL,
    source        TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'new',
    visibility    TEXT NOT NULL DEFAULT 'public',
    pinned        BOOLEAN NOT NULL DEFAULT FALSE,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    last_error_at TIMESTAMPTZ,
    last_error    TEXT
);

CREATE INDEX IF NOT EXISTS idx_links_status ON links (status);

CREATE TABLE IF NOT EXISTS link_content (
    subject_id       TEXT PRIMARY KEY,
    final_url        TEXT,
    title            TEXT,
    text_content     TEXT,
    html_storage_key TEXT,
    fetched_at       TIMESTAMPTZ,
    fetch_error      TEXT
);

CREATE TABLE IF NOT EXISTS link_metadata (
    subject_id    TEXT PRIMARY KEY,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    summary_short TEXT,
    summary_long  TEXT,
    language      TEXT,
    model_version TEXT
);

CREATE TABLE IF NOT EXISTS publish_state (
    subject_id        TEXT PRIMARY KEY,
    desired_version   INTEGER NOT NULL DEFAULT 0,
    published_version INTEGER NOT NULL DEFAULT 0,
    dirty             BOOLEAN NOT NULL DEFAULT FALSE,
    last_published_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sensor_readings (
    id          BIGSERIAL PRIMARY KEY,
    subject_id  TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    celsius     DOUBLE PRECISION NOT NULL,
    humidity    DOUBLE PRECISION,
    battery     DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_sensor_readings_subject
    ON sensor_readings (subject_id, recorded_at);

CREATE TABLE IF NOT EXISTS sensor_latest (
    subject_id  TEXT PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    celsius     DOUBLE PRECISION NOT NULL,
    humidity    DOUBLE PRECISION,
    battery     DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS todos (
    subject_id   TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    project      TEXT,
    labels       TEXT[] NOT NULL DEFAULT '{}',
    due_at       TIMESTAMPTZ,
    status       TEXT NOT NULL DEFAULT 'open',
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS annotations (
    annotation_id   TEXT PRIMARY KEY,
    link_subject_id TEXT NOT NULL,
    quote           TEXT,
    note            TEXT,
    selector        TEXT,
    visibility      TEXT NOT NULL DEFAULT 'public',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_annotations_link ON annotations (link_subject_id);

CREATE TABLE IF NOT EXISTS processed_messages (
    topic        TEXT NOT NULL,
    partition    INTEGER NOT NULL,
    seq          BIGINT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (topic, partition, seq)
);

CREATE TABLE IF NOT EXISTS consumer_progress (
    consumer_role TEXT NOT NULL,
    topic         TEXT NOT NULL,
    partition     INTEGER NOT NULL,
    last_seq      BIGINT NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (consumer_role, topic, partition)
);
`
