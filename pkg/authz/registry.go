package authz

const (
	SubjectAnonymous = "anonymous"
)

const (
	ActionAdmin = "admin"
	ActionRead  = "read"
	ActionWrite = "write"
)

const DomainGlobal = "global"

const (
	ObjectEngine = "tablegate.engine"
	ObjectFeed   = "tablegate.changefeed"
	ObjectRecon  = "tablegate.reconciliation"
)
