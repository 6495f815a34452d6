// Package deployer ties the configuration store, the policy engine, the
// stage implementations and the run history into the operations exposed by
// the homedeploy command: deploy, apply, watch, config management and
// listing.
//
// Open builds the full stack from a root directory:
//
//	stack, err := deployer.Open(ctx, deployer.StackConfig{Root: "~/.homedeploy"})
//	if err != nil {
//		return err
//	}
//	defer stack.Close()
//
//	res := stack.Deploy(ctx, "webapp", "./build", "dev")
//	fmt.Println(res.Message())
package deployer
