package access

// Features governed by permission rules.
const (
	FeatureLeads       = "Leads"
	FeatureContacts    = "Contacts"
	FeatureVendors     = "Vendors"
	FeatureOrders      = "Orders"
	FeatureReports     = "Reports"
	FeaturePipeline    = "Pipeline"
	FeaturePermissions = "Permissions"
)

// Modules group features for the rule matrix.
const (
	ModuleSales    = "Sales"
	ModuleSupply   = "Supply"
	ModuleInsights = "Insights"
	ModuleAdmin    = "Administration"
)

// DashboardFeatures lists the features the dashboard surfaces in its menu.
func DashboardFeatures() []string {
	return []string{
		FeatureLeads,
		FeatureContacts,
		FeatureVendors,
		FeatureOrders,
		FeatureReports,
		FeaturePipeline,
		FeaturePermissions,
	}
}
