package setupconfig

import "strings"

// Keys set by the builder. Callers may supply any other key through the ini
// file or overrides; those pass through untouched.
const (
	KeyAction                = "ACTION"
	KeyFeatures              = "FEATURES"
	KeyInstanceName          = "INSTANCENAME"
	KeyInstanceID            = "INSTANCEID"
	KeyCollation             = "SQLCOLLATION"
	KeySysAdminAccounts      = "SQLSYSADMINACCOUNTS"
	KeySecurityMode          = "SECURITYMODE"
	KeyEngineStartup         = "SQLSVCSTARTUPTYPE"
	KeyAgentStartup          = "AGTSVCSTARTUPTYPE"
	KeyBrowserStartup        = "BROWSERSVCSTARTUPTYPE"
	KeyQuiet                 = "QUIET"
	KeyUpdateEnabled         = "UPDATEENABLED"
	KeyUpdateSource          = "UPDATESOURCE"
	KeyTCPEnabled            = "TCPENABLED"
	KeyInstanceDir           = "INSTANCEDIR"
	KeyUserDBDir             = "SQLUSERDBDIR"
	KeyUserDBLogDir          = "SQLUSERDBLOGDIR"
	KeyTempDBDir             = "SQLTEMPDBDIR"
	KeyTempDBLogDir          = "SQLTEMPDBLOGDIR"
	KeyBackupDir             = "SQLBACKUPDIR"
	KeyTempDBFileCount       = "SQLTEMPDBFILECOUNT"
	KeyInstantFileInit       = "SQLSVCINSTANTFILEINIT"
	KeyEngineAccount         = "SQLSVCACCOUNT"
	KeyAgentAccount          = "AGTSVCACCOUNT"
	KeyIntegrationAccount    = "ISSVCACCOUNT"
	KeyReportingAccount      = "RSSVCACCOUNT"
	KeyFullTextAccount       = "FTSVCACCOUNT"
	KeyPolyBaseAccount       = "PBENGSVCACCOUNT"
	KeySAPassword            = "SAPWD"
	SecurityModeSQL          = "SQL"
	DefaultCollation         = "SQL_Latin1_General_CP1_CI_AS"
	DefaultTempDBFileCeiling = 8
)

var knownKeys = map[string]bool{
	KeyAction: true, KeyFeatures: true, KeyInstanceName: true, KeyInstanceID: true,
	KeyCollation: true, KeySysAdminAccounts: true, KeySecurityMode: true,
	KeyEngineStartup: true, KeyAgentStartup: true, KeyBrowserStartup: true,
	KeyQuiet: true, KeyUpdateEnabled: true, KeyUpdateSource: true, KeyTCPEnabled: true,
	KeyInstanceDir: true, KeyUserDBDir: true, KeyUserDBLogDir: true, KeyTempDBDir: true,
	KeyTempDBLogDir: true, KeyBackupDir: true, KeyTempDBFileCount: true, KeyInstantFileInit: true,
	KeyEngineAccount: true, KeyAgentAccount: true, KeyIntegrationAccount: true,
	KeyReportingAccount: true, KeyFullTextAccount: true, KeyPolyBaseAccount: true,
}

// IsKnownKey reports whether the builder models key.
func IsKnownKey(key string) bool {
	return knownKeys[normalize(key)]
}

// IsSecretKey reports whether key carries a password. Such keys are never
// kept in a Configuration.
func IsSecretKey(key string) bool {
	k := normalize(key)
	return k == KeySAPassword || strings.HasSuffix(k, "PASSWORD")
}

// Service identifies a service account slot.
type Service string

const (
	ServiceEngine      Service = "engine"
	ServiceAgent       Service = "agent"
	ServiceIntegration Service = "integration"
	ServiceReporting   Service = "reporting"
	ServiceFullText    Service = "fulltext"
	ServicePolyBase    Service = "polybase"
	ServiceSA          Service = "sa"
)

type accountSlot struct {
	service     Service
	accountKey  string
	passwordKey string
}

// accountSlots is in the order credentials are applied.
var accountSlots = []accountSlot{
	{ServiceEngine, KeyEngineAccount, "SQLSVCPASSWORD"},
	{ServiceAgent, KeyAgentAccount, "AGTSVCPASSWORD"},
	{ServiceIntegration, KeyIntegrationAccount, "ISSVCPASSWORD"},
	{ServiceReporting, KeyReportingAccount, "RSSVCPASSWORD"},
	{ServiceFullText, KeyFullTextAccount, "FTSVCPASSWORD"},
	{ServicePolyBase, KeyPolyBaseAccount, "PBENGSVCPASSWORD"},
	{ServiceSA, "", KeySAPassword},
}

// Services lists every credential slot.
func Services() []Service {
	out := make([]Service, 0, len(accountSlots))
	for _, s := range accountSlots {
		out = append(out, s.service)
	}
	return out
}
