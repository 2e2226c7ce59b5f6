package schema

import (
	"time"

	"github.com/calderahq/tablegate/internal/store"
)

// Names of the hooks the built-in schema references. The engine registers
// implementations under these names; Load fails if one is missing.
const (
	MacroSelf          = "self"
	MacroCollaborator  = "collaborator"
	MacroCollaborators = "collaborators"

	CustomProjectWrite  = "project_write"
	CustomProjectPublic = "project_public"

	ComputedProjectPathID = "sha1_project_path"
	ComputedUUIDDefault   = "uuid_default"
	ComputedProjectUsers  = "project_users"

	CheckPublicPathID = "public_path_id_format"

	BeforeProjectChange = "project_before_change"
	AfterTouchProject   = "touch_project"

	OverrideBlobGet  = "blob_get"
	OverrideBlobSave = "blob_save"
)

// Table names used across the engine.
const (
	TableProjects       = "projects"
	TableAccounts       = "accounts"
	TablePublicPaths    = "public_paths"
	TableBlobs          = "blobs"
	TableProjectLog     = "project_log"
	TableUsageIntervals = "usage_intervals"
	TableAccessLog      = "access_log"
	TableSystemNotices  = "system_notices"
)

const projectRecencyWindow = 240 * time.Hour // 10 days, keeps the default listing cheap

// Builtin returns the built-in table definitions. External YAML documents
// may extend, but never replace, these.
func Builtin() []TableDef {
	return []TableDef{
		{
			Name:       TableProjects,
			PrimaryKey: []string{"project_id"},
			Fields: map[string]FieldSpec{
				"project_id":   {Type: "uuid", Desc: "primary key"},
				"title":        {Type: "string"},
				"description":  {Type: "string"},
				"users":        {Type: "map", Desc: "account_id -> {group, hide}"},
				"deleted":      {Type: "boolean"},
				"state":        {Type: "string", Desc: "opened, running or archived"},
				"settings":     {Type: "map", Desc: "base quotas"},
				"site_license": {Type: "map", Desc: "license_id -> upgrade map"},
				"last_edited":  {Type: "timestamp"},
				"created":      {Type: "timestamp"},
			},
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "last_edited", Op: store.OpGTE, Window: projectRecencyWindow},
					{Kind: ClauseMacro, Name: MacroCollaborator},
				},
				Fields: map[string]any{
					"project_id":   nil,
					"title":        "",
					"description":  "",
					"users":        map[string]any{},
					"deleted":      nil,
					"state":        nil,
					"settings":     map[string]any{"cores": 1, "memory": 1000, "disk_quota": 3000},
					"site_license": nil,
					"last_edited":  nil,
					"created":      nil,
				},
				Options:    QueryOptions{Limit: 20, OrderBy: "last_edited", Descending: true},
				ThrottleMS: 2000,
			},
			Set: &SetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseCustom, Name: CustomProjectWrite},
				},
				Rules: map[string]FieldRule{
					"project_id":   {Kind: RuleAllowAny},
					"title":        {Kind: RuleAllowAny},
					"description":  {Kind: RuleAllowAny},
					"deleted":      {Kind: RuleAllowAny},
					"users":        {Kind: RuleComputed, Fn: ComputedProjectUsers},
					"site_license": {Kind: RuleAllowAny},
					"state":        {Kind: RuleForbidden},
					"last_edited":  {Kind: RuleAllowAny},
				},
				Required: []string{"project_id"},
				Before:   BeforeProjectChange,
				After:    AfterTouchProject,
			},
		},
		{
			// Same get as projects, without the recency bound. Loads a lot;
			// callers are prepared to wait.
			Name:    "projects_all",
			Virtual: TableProjects,
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseMacro, Name: MacroCollaborator},
				},
				Fields: map[string]any{
					"project_id":   nil,
					"title":        "",
					"description":  "",
					"users":        map[string]any{},
					"deleted":      nil,
					"state":        nil,
					"settings":     map[string]any{"cores": 1, "memory": 1000, "disk_quota": 3000},
					"site_license": nil,
					"last_edited":  nil,
					"created":      nil,
				},
				Options: QueryOptions{OrderBy: "last_edited", Descending: true},
			},
		},
		{
			// Extended read access to a single project, admins only.
			Name:    "projects_admin",
			Virtual: TableProjects,
			Get: &GetSpec{
				AdminOnly: true,
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "project_id", Op: store.OpEq, Bind: "project_id"},
				},
				Fields: map[string]any{
					"project_id":   nil,
					"title":        nil,
					"description":  nil,
					"users":        nil,
					"deleted":      nil,
					"state":        nil,
					"settings":     nil,
					"site_license": nil,
					"last_edited":  nil,
					"created":      nil,
				},
			},
		},
		{
			// Publicly visible info about a project with at least one
			// public path. No caller identity needed.
			Name:      "public_projects",
			Virtual:   TableProjects,
			Anonymous: true,
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "project_id", Op: store.OpEq, Bind: "project_id"},
					{Kind: ClauseCustom, Name: CustomProjectPublic},
				},
				Fields: map[string]any{
					"project_id":  nil,
					"title":       "",
					"description": "",
				},
			},
		},
		{
			Name:       TableAccounts,
			PrimaryKey: []string{"account_id"},
			Fields: map[string]FieldSpec{
				"account_id":  {Type: "uuid"},
				"first_name":  {Type: "string"},
				"last_name":   {Type: "string"},
				"email":       {Type: "string"},
				"profile":     {Type: "map", Desc: "publicly visible avatar: {image, color}"},
				"last_active": {Type: "timestamp"},
			},
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseMacro, Name: MacroSelf},
				},
				Fields: map[string]any{
					"account_id":  nil,
					"first_name":  "",
					"last_name":   "",
					"email":       nil,
					"profile":     map[string]any{"image": nil, "color": "#f0f0f0"},
					"last_active": nil,
				},
				Options: QueryOptions{Limit: 1},
			},
			Set: &SetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseMacro, Name: MacroSelf},
				},
				Rules: map[string]FieldRule{
					"account_id": {Kind: RuleCallerDerived},
					"first_name": {Kind: RuleAllowAny},
					"last_name":  {Kind: RuleAllowAny},
					"email":      {Kind: RuleAllowAny},
					"profile":    {Kind: RuleAllowAny},
				},
			},
		},
		{
			// Profiles of all users; only the publicly visible avatar.
			Name:    "account_profiles",
			Virtual: TableAccounts,
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "account_id", Op: store.OpEq, Bind: "account_id"},
				},
				Fields: map[string]any{
					"account_id": nil,
					"profile":    map[string]any{"image": nil, "color": "#f0f0f0"},
				},
				Options: QueryOptions{Limit: 1},
			},
		},
		{
			// Everybody who shares a project with the caller.
			Name:    "collaborators",
			Virtual: TableAccounts,
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseMacro, Name: MacroCollaborators},
				},
				Fields: map[string]any{
					"account_id":  nil,
					"first_name":  "",
					"last_name":   "",
					"profile":     nil,
					"last_active": nil,
				},
				ThrottleMS: 2000,
			},
		},
		{
			Name:       TablePublicPaths,
			PrimaryKey: []string{"id"},
			Fields: map[string]FieldSpec{
				"id":          {Type: "string", Desc: "sha1 of project_id and path"},
				"project_id":  {Type: "uuid"},
				"path":        {Type: "string"},
				"description": {Type: "string"},
				"disabled":    {Type: "boolean"},
				"unlisted":    {Type: "boolean"},
				"license":     {Type: "string"},
				"created":     {Type: "timestamp"},
				"last_edited": {Type: "timestamp"},
				"counter":     {Type: "number"},
			},
			Anonymous: true,
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "project_id", Op: store.OpEq, Bind: "project_id"},
				},
				Fields: map[string]any{
					"id":          nil,
					"project_id":  nil,
					"path":        nil,
					"description": nil,
					"disabled":    nil,
					"unlisted":    nil,
					"license":     nil,
					"created":     nil,
					"last_edited": nil,
					"counter":     nil,
				},
				ThrottleMS: 2000,
				CheckHook:  CheckPublicPathID,
			},
			Set: &SetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseCustom, Name: CustomProjectWrite},
				},
				Rules: map[string]FieldRule{
					"id":          {Kind: RuleComputed, Fn: ComputedProjectPathID},
					"project_id":  {Kind: RuleAllowAny},
					"path":        {Kind: RuleAllowAny},
					"description": {Kind: RuleAllowAny},
					"disabled":    {Kind: RuleAllowAny},
					"unlisted":    {Kind: RuleAllowAny},
					"license":     {Kind: RuleAllowAny},
					"created":     {Kind: RuleAllowAny},
					"last_edited": {Kind: RuleAllowAny},
				},
				Required: []string{"project_id", "path"},
			},
		},
		{
			// Content-addressed large objects. Storage is out-of-line, so
			// both operations replace the default store mutation.
			Name:       TableBlobs,
			PrimaryKey: []string{"id"},
			Fields: map[string]FieldSpec{
				"id":         {Type: "uuid", Desc: "derived from the sha1 of the content"},
				"blob":       {Type: "string", Desc: "base64 content"},
				"project_id": {Type: "uuid"},
			},
			Get: &GetSpec{
				InsteadOf: OverrideBlobGet,
				Fields: map[string]any{
					"id":   nil,
					"blob": nil,
				},
			},
			Set: &SetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseCustom, Name: CustomProjectWrite},
				},
				InsteadOf: OverrideBlobSave,
				Rules: map[string]FieldRule{
					"id":         {Kind: RuleAllowAny},
					"blob":       {Kind: RuleAllowAny},
					"project_id": {Kind: RuleAllowAny},
				},
				Required: []string{"id", "blob", "project_id"},
			},
		},
		{
			Name:       TableProjectLog,
			PrimaryKey: []string{"id"},
			Durability: DurabilitySoft,
			Fields: map[string]FieldSpec{
				"id":         {Type: "uuid"},
				"project_id": {Type: "uuid"},
				"time":       {Type: "timestamp"},
				"account_id": {Type: "uuid"},
				"event":      {Type: "map"},
			},
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "time", Op: store.OpGTE, Window: 1440 * time.Hour},
					{Kind: ClauseMacro, Name: MacroCollaborator},
				},
				Fields: map[string]any{
					"id":         nil,
					"project_id": nil,
					"time":       nil,
					"account_id": nil,
					"event":      nil,
				},
				Options:    QueryOptions{Limit: 300, OrderBy: "time", Descending: true},
				ThrottleMS: 2000,
			},
			Set: &SetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseCustom, Name: CustomProjectWrite},
				},
				Rules: map[string]FieldRule{
					"id":         {Kind: RuleComputed, Fn: ComputedUUIDDefault},
					"project_id": {Kind: RuleAllowAny},
					"account_id": {Kind: RuleCallerDerived},
					"time":       {Kind: RuleAllowAny},
					"event":      {Kind: RuleAllowAny},
				},
				Required: []string{"project_id", "event"},
			},
		},
		{
			// project_log without the time bound, large limit.
			Name:    "project_log_all",
			Virtual: TableProjectLog,
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseMacro, Name: MacroCollaborator},
				},
				Fields: map[string]any{
					"id":         nil,
					"project_id": nil,
					"time":       nil,
					"account_id": nil,
					"event":      nil,
				},
				Options: QueryOptions{Limit: 7500, OrderBy: "time", Descending: true},
			},
		},
		{
			// Maintained exclusively by reconciliation; readable by admins.
			Name:       TableUsageIntervals,
			PrimaryKey: []string{"id"},
			Fields: map[string]FieldSpec{
				"id":          {Type: "uuid"},
				"entity_id":   {Type: "uuid", Desc: "the project using the resource"},
				"resource_id": {Type: "uuid", Desc: "the license in use"},
				"start":       {Type: "timestamp"},
				"stop":        {Type: "timestamp", Desc: "null while the interval is open"},
			},
			Get: &GetSpec{
				AdminOnly: true,
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "resource_id", Op: store.OpEq, Bind: "resource_id"},
				},
				Fields: map[string]any{
					"id":          nil,
					"entity_id":   nil,
					"resource_id": nil,
					"start":       nil,
					"stop":        nil,
				},
				Options: QueryOptions{OrderBy: "start", Descending: true, Limit: 1000},
			},
		},
		{
			// Analytics only; losing rows is fine.
			Name:       TableAccessLog,
			PrimaryKey: []string{"id"},
			Durability: DurabilitySoft,
			Fields: map[string]FieldSpec{
				"id":         {Type: "uuid"},
				"project_id": {Type: "uuid"},
				"account_id": {Type: "uuid"},
				"path":       {Type: "string"},
				"time":       {Type: "timestamp"},
			},
		},
		{
			Name:       TableSystemNotices,
			PrimaryKey: []string{"id"},
			Anonymous:  true,
			Fields: map[string]FieldSpec{
				"id":       {Type: "uuid"},
				"time":     {Type: "timestamp"},
				"text":     {Type: "string"},
				"priority": {Type: "string", Desc: "low, medium or high"},
				"done":     {Type: "boolean"},
			},
			Get: &GetSpec{
				Clauses: []AccessClause{
					{Kind: ClauseFixed, Field: "time", Op: store.OpGTE, Window: time.Hour},
				},
				Fields: map[string]any{
					"id":       nil,
					"time":     nil,
					"text":     "",
					"priority": "low",
					"done":     false,
				},
				ThrottleMS: 3000,
			},
			Set: &SetSpec{
				AdminOnly: true,
				Rules: map[string]FieldRule{
					"id":       {Kind: RuleComputed, Fn: ComputedUUIDDefault},
					"time":     {Kind: RuleAllowAny},
					"text":     {Kind: RuleAllowAny},
					"priority": {Kind: RuleAllowAny},
					"done":     {Kind: RuleAllowAny},
				},
			},
		},
	}
}
