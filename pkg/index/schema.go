package index

// schemaVersion is stored in GlobalProperties and checked on open. Bump it
// together with an entry in upgradeScripts.
const schemaVersion = 1

// schema contains the SQL statements creating the index layout.
const schema = `
CREATE TABLE IF NOT EXISTS GlobalProperties(
    property INTEGER PRIMARY KEY,
    value    TEXT
);

CREATE TABLE IF NOT EXISTS GlobalIntegers(
    key   INTEGER PRIMARY KEY,
    value INTEGER
);

CREATE TABLE IF NOT EXISTS Resources(
    internalId   INTEGER PRIMARY KEY AUTOINCREMENT,
    resourceType INTEGER NOT NULL,
    publicId     TEXT NOT NULL UNIQUE,
    parentId     INTEGER REFERENCES Resources(internalId) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS MainDicomTags(
    id         INTEGER NOT NULL REFERENCES Resources(internalId) ON DELETE CASCADE,
    tagGroup   INTEGER NOT NULL,
    tagElement INTEGER NOT NULL,
    value      TEXT,
    PRIMARY KEY(id, tagGroup, tagElement)
);

CREATE TABLE IF NOT EXISTS DicomIdentifiers(
    id         INTEGER NOT NULL REFERENCES Resources(internalId) ON DELETE CASCADE,
    tagGroup   INTEGER NOT NULL,
    tagElement INTEGER NOT NULL,
    value      TEXT,
    PRIMARY KEY(id, tagGroup, tagElement)
);

CREATE TABLE IF NOT EXISTS Metadata(
    id       INTEGER NOT NULL REFERENCES Resources(internalId) ON DELETE CASCADE,
    type     INTEGER NOT NULL,
    value    TEXT,
    revision INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(id, type)
);

CREATE TABLE IF NOT EXISTS AttachedFiles(
    id               INTEGER NOT NULL REFERENCES Resources(internalId) ON DELETE CASCADE,
    fileType         INTEGER NOT NULL,
    uuid             TEXT NOT NULL,
    compressedSize   INTEGER NOT NULL,
    uncompressedSize INTEGER NOT NULL,
    compressionType  INTEGER NOT NULL,
    compressedHash   TEXT,
    uncompressedHash TEXT,
    revision         INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(id, fileType)
);

CREATE TABLE IF NOT EXISTS Changes(
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    changeType   INTEGER NOT NULL,
    internalId   INTEGER NOT NULL,
    resourceType INTEGER NOT NULL,
    publicId     TEXT NOT NULL,
    date         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ExportedResources(
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    resourceType   INTEGER NOT NULL,
    publicId       TEXT NOT NULL,
    remoteModality TEXT NOT NULL,
    patientId      TEXT,
    studyUid       TEXT,
    seriesUid      TEXT,
    sopInstanceUid TEXT,
    date           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS PatientRecyclingOrder(
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    patientId INTEGER NOT NULL UNIQUE REFERENCES Resources(internalId) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Labels(
    id    INTEGER NOT NULL REFERENCES Resources(internalId) ON DELETE CASCADE,
    label TEXT NOT NULL,
    PRIMARY KEY(id, label)
);

CREATE INDEX IF NOT EXISTS ChildrenIndex ON Resources(parentId);
CREATE INDEX IF NOT EXISTS PublicIndex ON Resources(publicId);
CREATE INDEX IF NOT EXISTS ResourceTypeIndex ON Resources(resourceType);
CREATE INDEX IF NOT EXISTS MainDicomTagsIndex ON MainDicomTags(id);
CREATE INDEX IF NOT EXISTS DicomIdentifiersIndex1 ON DicomIdentifiers(id);
CREATE INDEX IF NOT EXISTS DicomIdentifiersIndex2 ON DicomIdentifiers(tagGroup, tagElement);
CREATE INDEX IF NOT EXISTS DicomIdentifiersIndexValues ON DicomIdentifiers(tagGroup, tagElement, value);
CREATE INDEX IF NOT EXISTS ChangesIndex ON Changes(internalId);
CREATE INDEX IF NOT EXISTS LabelsIndex ON Labels(label);
`

// Keys of the GlobalProperties table.
const (
	propertyDatabaseSchemaVersion = 1
	propertyServerIdentifier      = 2
	propertyFastTotalSize         = 3
	// PropertyJobsRegistry persists the jobs registry snapshot so that
	// pending jobs survive a restart.
	PropertyJobsRegistry = 4
)

// Keys of the GlobalIntegers table (cached sums for O(1) quota checks).
const (
	globalTotalCompressedSize   = 1
	globalTotalUncompressedSize = 2
)
